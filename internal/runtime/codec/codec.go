// Package codec converts payloads to and from queued message bodies.
package codec

import (
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// Codec encodes payloads for publication and decodes delivered bodies.
// Decode returns a *errors.DeserializationError for any body that cannot be
// turned into a valid payload.
type Codec interface {
	Name() string
	ContentType() string
	Encode(*model.Payload) ([]byte, error)
	Decode([]byte) (*model.Payload, error)
}

// DefaultName is the codec used when none is configured.
const DefaultName = JSONName

var (
	registryMu sync.RWMutex
	byName     = map[string]Codec{}
	byType     = map[string]Codec{}
)

func init() {
	Register(JSON{})
	Register(Protowire{})
}

// Register makes a codec available by name and content type. Later
// registrations replace earlier ones.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	byName[strings.ToLower(c.Name())] = c
	byType[strings.ToLower(c.ContentType())] = c
}

// Lookup returns the codec registered under name. An empty name selects the
// default codec.
func Lookup(name string) (Codec, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q (available: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return c, nil
}

// ForContentType returns the codec registered for a MIME type. Parameters
// such as charset are ignored.
func ForContentType(contentType string) (Codec, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := byType[strings.ToLower(mediaType)]
	return c, ok
}

// Resolve picks the codec for a delivery: the first content type that maps to
// a registered codec wins, otherwise fallback is returned.
func Resolve(fallback Codec, contentTypes ...string) Codec {
	for _, ct := range contentTypes {
		if ct == "" {
			continue
		}
		if c, ok := ForContentType(ct); ok {
			return c
		}
	}
	return fallback
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeError(codec string, err error) error {
	return &errspkg.DeserializationError{Codec: codec, Err: err}
}
