package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ToWatermill copies m into the metadata map carried by a Watermill message.
// The result is never nil.
func ToWatermill(m Metadata) message.Metadata {
	wm := make(message.Metadata, len(m))
	maps.Copy(wm, m)
	return wm
}

// FromWatermill is the inverse of ToWatermill.
func FromWatermill(wm message.Metadata) Metadata {
	md := make(Metadata, len(wm))
	maps.Copy(md, wm)
	return md
}
