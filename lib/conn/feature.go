package conn

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/reactive"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// Names of the built-in features
const (
	FeatureUsers    = "users"
	FeatureRooms    = "rooms"
	FeatureMembers  = "members"
	FeatureAIModels = "ai_models"
)

// builtinFeatures returns a reactive store per stored resource kind
func builtinFeatures() []namedFactory {
	return []namedFactory{
		{FeatureUsers, storeFeature[resource.User](resource.KindUser)},
		{FeatureRooms, storeFeature[resource.Room](resource.KindRoom)},
		{FeatureMembers, storeFeature[resource.Member](resource.KindMember)},
		{FeatureAIModels, storeFeature[resource.AIModel](resource.KindAIModel)},
	}
}

func storeFeature[T resource.Resource](kind resource.Kind) Factory {
	return func(s *Session) (any, error) {
		return reactive.NewStore[T](s.DB, kind)
	}
}

// Feature returns the feature registered under name, typed as T.
// It fails with ErrNotConnected before Connect and after Disconnect.
func Feature[T any](c *Connection, name string) (T, error) {
	var zero T
	s := c.session.Load()
	if s == nil {
		return zero, ErrNotConnected
	}
	raw, ok := s.features[name]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrFeatureNotFound, name)
	}
	feature, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("conn: feature %q is a %T, not a %T", name, raw, zero)
	}
	return feature, nil
}

// Features returns the names of all features of the current session
func (c *Connection) Features() []string {
	s := c.session.Load()
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.features))
	seen := make(map[string]bool, len(s.features))
	for _, f := range c.factories {
		if !seen[f.name] {
			seen[f.name] = true
			names = append(names, f.name)
		}
	}
	return names
}
