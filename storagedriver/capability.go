package storagedriver

// Capability is a single bit in a driver's declared capability set (spec
// §3 "Capability set"). Bits are combined with bitwise OR into a
// Capabilities value.
type Capability uint16

const (
	Reader Capability = 1 << iota
	Writer
	Multipart
	Atomic
	DirectLink
	Proxy
	Search
	Presigned
)

var names = map[Capability]string{
	Reader:     "READER",
	Writer:     "WRITER",
	Multipart:  "MULTIPART",
	Atomic:     "ATOMIC",
	DirectLink: "DIRECT_LINK",
	Proxy:      "PROXY",
	Search:     "SEARCH",
	Presigned:  "PRESIGNED",
}

func (c Capability) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Capabilities is a bitset over Capability, declared once by each driver at
// construction time (spec §3).
type Capabilities uint16

// Has reports whether every bit in want is present in c.
func (c Capabilities) Has(want Capability) bool {
	return Capabilities(want)&c == Capabilities(want)
}

// With returns c with the given capabilities added.
func (c Capabilities) With(caps ...Capability) Capabilities {
	for _, cap := range caps {
		c |= Capabilities(cap)
	}
	return c
}

// NewCapabilities builds a Capabilities value from individual bits.
func NewCapabilities(caps ...Capability) Capabilities {
	var c Capabilities
	return c.With(caps...)
}
