package offline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for pending changes.
type IDProvider interface {
	NewID() (string, error)
}

type changeIDProvider struct {
	clock func() time.Time
}

// NewChangeIDProvider constructs an IDProvider issuing change-{unixMillis}-{random} ids.
func NewChangeIDProvider(clock func() time.Time) IDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &changeIDProvider{clock: clock}
}

func (p *changeIDProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	suffix := strings.ReplaceAll(value.String(), "-", "")[:12]
	return fmt.Sprintf("change-%d-%s", p.clock().UnixMilli(), suffix), nil
}
