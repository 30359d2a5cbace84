package zombie

import "github.com/stevegt/zombie/kv"

const version = "0.1.0"

// CodeVersion returns the version of the zombie code.
func CodeVersion() string {
	return version
}

// FormatVersion returns the data format version the code writes.
func FormatVersion() string {
	return kv.FormatVersion
}
