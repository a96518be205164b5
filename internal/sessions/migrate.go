package sessions

import "fmt"

// migration upgrades a document exactly one version step. Each step returns
// a new document; inputs are never mutated.
type migration func(SerializedSession) SerializedSession

var migrations = map[int]migration{
	1: migrateV1toV2,
}

// Migrate upgrades a session to the current schema version, one step at a
// time. A document already at the current version is returned unchanged, so
// Migrate(Migrate(x)) == Migrate(x). Downgrades are not supported.
func Migrate(s *SerializedSession) (*SerializedSession, error) {
	if s == nil {
		return nil, fmt.Errorf("migrate: nil session")
	}
	if s.Version == CurrentVersion {
		return s, nil
	}
	if s.Version > CurrentVersion || s.Version < 1 {
		return nil, fmt.Errorf("migrate: unsupported session version %d", s.Version)
	}

	cur := *s
	for cur.Version < CurrentVersion {
		step, ok := migrations[cur.Version]
		if !ok {
			return nil, fmt.Errorf("migrate: no migration from version %d", cur.Version)
		}
		cur = step(cur)
	}
	return &cur, nil
}

// migrateV1toV2 introduces the dependency manifest. Conversation, files and
// subagents pass through untouched; DOM state stays absent until a browser
// actually produces one.
func migrateV1toV2(s SerializedSession) SerializedSession {
	out := s
	out.Version = 2
	if out.Dependencies == nil {
		out.Dependencies = &Dependencies{Skills: []string{}, Extensions: []string{}}
	}
	return out
}
