package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// binder registers flags whose defaults come from environment variables.
// The first malformed environment value is kept in err; flags are still
// registered so Parse and usage output stay complete.
type binder struct {
	fs     *flag.FlagSet
	lookup func(string) (string, bool)
	err    error
}

func newBinder(name string, lookup func(string) (string, bool)) *binder {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return &binder{fs: fs, lookup: lookup}
}

func (b *binder) env(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	raw, ok := b.lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (b *binder) fail(key, raw string, err error) {
	if b.err == nil {
		b.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func usage(text, key string) string {
	if key == "" {
		return text
	}
	return text + " (env " + key + ")"
}

func (b *binder) String(p *string, name, key, def, text string) {
	if raw, ok := b.env(key); ok {
		def = raw
	}
	b.fs.StringVar(p, name, def, usage(text, key))
}

func (b *binder) Duration(p *time.Duration, name, key string, def time.Duration, text string) {
	if raw, ok := b.env(key); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			b.fail(key, raw, err)
		} else {
			def = d
		}
	}
	b.fs.DurationVar(p, name, def, usage(text, key))
}

func (b *binder) Int(p *int, name, key string, def int, text string) {
	if raw, ok := b.env(key); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			b.fail(key, raw, err)
		} else {
			def = n
		}
	}
	b.fs.IntVar(p, name, def, usage(text, key))
}

func (b *binder) Int64(p *int64, name, key string, def int64, text string) {
	if raw, ok := b.env(key); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			b.fail(key, raw, err)
		} else {
			def = n
		}
	}
	b.fs.Int64Var(p, name, def, usage(text, key))
}

// Port binds an optional port; 0 means unset.
func (b *binder) Port(p *uint, name, key, text string) {
	var def uint
	if raw, ok := b.env(key); ok {
		port, err := parsePortString(raw)
		if err != nil {
			b.fail(key, raw, err)
		} else {
			def = uint(port)
		}
	}
	b.fs.UintVar(p, name, def, usage(text, key))
}

// Parse parses args unless an environment value was already rejected.
func (b *binder) Parse(args []string) error {
	if b.err != nil {
		return b.err
	}
	return b.fs.Parse(args)
}
