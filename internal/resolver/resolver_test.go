package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/cache"
	"github.com/streamhive/relay/internal/store"
)

type fakeCommandStore struct {
	cmds  map[string]*store.CommandData
	perms store.PermissionSet
}

func (f *fakeCommandStore) GetCommand(ctx context.Context, entityID, prefix, name string) (*store.CommandData, error) {
	c, ok := f.cmds[prefix+name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCommandStore) GetPermissions(ctx context.Context, entityID string) (store.PermissionSet, error) {
	return f.perms, nil
}

func newResolver() *Resolver {
	fs := &fakeCommandStore{
		cmds: map[string]*store.CommandData{
			"!play": {
				ID:       uuid.Must(uuid.NewV7()),
				EntityID: "twitch:chan1",
				Prefix:   "!",
				Name:     "play",
				MinLevel: store.LevelEveryone,
				Active:   true,
			},
			"#ban": {
				ID:       uuid.Must(uuid.NewV7()),
				EntityID: "twitch:chan1",
				Prefix:   "#",
				Name:     "ban",
				MinLevel: store.LevelModerator,
				Active:   true,
			},
		},
		perms: store.PermissionSet{"mod1": store.LevelModerator},
	}
	return New(cache.New(fs, time.Minute, time.Minute, nil))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		prefix string
		cmd    string
		args   string
		ok     bool
	}{
		{"local command", "!play song name", "!", "play", "song name", true},
		{"community command", "#ban troll", "#", "ban", "troll", true},
		{"no args", "!uptime", "!", "uptime", "", true},
		{"uppercase folds", "!PLAY Song", "!", "play", "Song", true},
		{"leading whitespace", "  !play x", "!", "play", "x", true},
		{"tab separator", "!play\tx", "!", "play", "x", true},
		{"plain text", "hello there", "", "", "", false},
		{"bare prefix", "!", "", "", "", false},
		{"prefix then space", "! play", "", "", "", false},
		{"empty", "", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, name, args, ok := Parse(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if prefix != tt.prefix || name != tt.cmd || args != tt.args {
				t.Fatalf("Parse(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.text, prefix, name, args, tt.prefix, tt.cmd, tt.args)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	r := newResolver()
	ctx := context.Background()

	res, err := r.Resolve(ctx, "twitch:chan1", "viewer1", "!play some song")
	if err != nil {
		t.Fatal(err)
	}
	if res.Command.Name != "play" || res.Args != "some song" {
		t.Fatalf("resolved %q with args %q", res.Command.Name, res.Args)
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := newResolver()
	ctx := context.Background()

	for _, text := range []string{"just chatting", "!nosuchcommand"} {
		if _, err := r.Resolve(ctx, "twitch:chan1", "viewer1", text); !errors.Is(err, ErrNoMatch) {
			t.Fatalf("Resolve(%q): want ErrNoMatch, got %v", text, err)
		}
	}
}

func TestResolvePermissionDenied(t *testing.T) {
	r := newResolver()
	ctx := context.Background()

	_, err := r.Resolve(ctx, "twitch:chan1", "viewer1", "#ban troll")
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("want PermissionError, got %v", err)
	}
	if perr.Required != store.LevelModerator || perr.Actual != store.LevelEveryone {
		t.Fatalf("required=%v actual=%v", perr.Required, perr.Actual)
	}

	if _, err := r.Resolve(ctx, "twitch:chan1", "mod1", "#ban troll"); err != nil {
		t.Fatalf("moderator should pass: %v", err)
	}
}

func TestLookupSkipsPermissionGate(t *testing.T) {
	r := newResolver()
	cmd, err := r.Lookup(context.Background(), "twitch:chan1", "#", "ban")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != "ban" {
		t.Fatalf("got %q", cmd.Name)
	}

	if _, err := r.Lookup(context.Background(), "twitch:chan1", "!", "missing"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("want ErrNoMatch, got %v", err)
	}
}
