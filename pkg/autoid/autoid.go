package autoid

import (
	"fmt"

	"github.com/google/uuid"
)

// UUIDAllocator allocates opaque string IDs, optionally with a fixed prefix
// so IDs from different allocators are distinguishable in logs.
type UUIDAllocator struct {
	prefix string
}

func NewUUIDAllocator(prefix string) *UUIDAllocator {
	return &UUIDAllocator{prefix: prefix}
}

func (a *UUIDAllocator) AllocID() string {
	if a.prefix == "" {
		return uuid.New().String()
	}
	return fmt.Sprintf("%s-%s", a.prefix, uuid.New().String())
}
