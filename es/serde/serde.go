// Package serde converts event payloads to and from the bytes stored in es.Event.Data.
package serde

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/getpup/pupstream/es"
)

var (
	// ErrUnknownEventType is returned when a type name or payload type has not been registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDuplicateEventType is returned when a name or Go type is registered twice.
	ErrDuplicateEventType = errors.New("event type already registered")
)

// Serializer converts payloads to stored event data and back.
// Implementations must be pure: no side effects, safe for concurrent use.
type Serializer interface {
	// Serialize returns the registered type name and encoded form of payload.
	// A nil payload yields nil data.
	Serialize(payload any) (eventType string, data []byte, err error)

	// Deserialize decodes data into a new value of the type registered as eventType.
	// Nil data yields a nil payload.
	Deserialize(eventType string, data []byte) (any, error)
}

// JSON is a Serializer backed by encoding/json and a registry of named types.
type JSON struct {
	byName map[string]reflect.Type
	byType map[reflect.Type]string
	mu     sync.RWMutex
}

var _ Serializer = (*JSON)(nil)

// NewJSON creates an empty JSON serializer.
func NewJSON() *JSON {
	return &JSON{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to T. Both values and pointers of T serialize under name;
// Deserialize returns a T value.
func Register[T any](s *JSON, name string) error {
	if name == "" {
		return fmt.Errorf("register event type: %w", es.ErrEmptyID)
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEventType, name)
	}
	if existing, ok := s.byType[typ]; ok {
		return fmt.Errorf("%w: %s as %q", ErrDuplicateEventType, typ, existing)
	}
	s.byName[name] = typ
	s.byType[typ] = name
	return nil
}

// MustRegister is like Register but panics on error. Intended for package init.
func MustRegister[T any](s *JSON, name string) {
	if err := Register[T](s, name); err != nil {
		panic(err)
	}
}

// Serialize implements Serializer.
func (s *JSON) Serialize(payload any) (string, []byte, error) {
	if payload == nil {
		return "", nil, nil
	}
	typ := reflect.TypeOf(payload)
	if typ.Kind() == reflect.Pointer {
		if reflect.ValueOf(payload).IsNil() {
			return "", nil, nil
		}
		typ = typ.Elem()
	}

	s.mu.RLock()
	name, ok := s.byType[typ]
	s.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownEventType, typ)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize %q: %w", name, err)
	}
	return name, data, nil
}

// Deserialize implements Serializer.
func (s *JSON) Deserialize(eventType string, data []byte) (any, error) {
	s.mu.RLock()
	typ, ok := s.byName[eventType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if data == nil {
		return nil, nil
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to deserialize %q: %w", eventType, err)
	}
	return ptr.Elem().Interface(), nil
}

// Event serializes payload into an es.Event ready to be written.
func Event(s Serializer, payload any) (es.Event, error) {
	eventType, data, err := s.Serialize(payload)
	if err != nil {
		return es.Event{}, err
	}
	return es.Event{EventType: eventType, Data: data}, nil
}

// Payload decodes the payload of a stored event.
//
//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func Payload(s Serializer, e es.RecordedEvent) (any, error) {
	return s.Deserialize(e.EventType, e.Data)
}
