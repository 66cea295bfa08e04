package usm

// Kind is defined on a separate file, so enumer only needs to parse this one.

// Kind of USM allocation.
type Kind int

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=lower kind.go

const (
	KindUnknown Kind = iota
	KindHost
	KindDevice
	KindShared
)
