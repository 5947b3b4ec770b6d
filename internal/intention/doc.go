// Package intention defines the intention record shared by every store.
//
// An intention is a short user-authored text tagged either Manifest
// ("call it in") or Release ("burn it"). The same Record type is used for
// records that live in the local key-value store and for records returned by
// the hosted backend; the only difference is that hosted records are always
// sealed.
//
// This package has no internal imports. The adapters, the service and the
// backend all build on it.
package intention
