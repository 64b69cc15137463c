package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies transport headers.
func FromWatermill(h message.Metadata) Metadata {
	out := make(Metadata, len(h))
	maps.Copy(out, h)
	return out
}

// ToWatermill copies m into a fresh header map.
func ToWatermill(m Metadata) message.Metadata {
	out := make(message.Metadata, len(m))
	maps.Copy(out, m)
	return out
}
