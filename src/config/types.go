package config

import (
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// ByteSize is a config/flag value for a quantity of bytes expressed as a
// human-readable size ("10G", "512MiB"). Grounded on the teacher's
// cli.ByteSize, built on the same github.com/dustin/go-humanize parser.
type ByteSize uint64

// UnmarshalFlag implements thought-machine/go-flags' Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	v, err := humanize.ParseBytes(in)
	*b = ByteSize(v)
	return err
}

// UnmarshalText implements encoding.TextUnmarshaler, which is what gcfg
// looks for when assigning a config file value to a non-primitive field.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// Duration wraps time.Duration so it can be read from a config file or flag
// as "30s" etc, falling back to bare integers as seconds for compatibility
// with older config files, exactly as the teacher's cli.Duration does.
type Duration time.Duration

func (d *Duration) UnmarshalFlag(in string) error {
	if v, err := time.ParseDuration(in); err == nil {
		*d = Duration(v)
		return nil
	}
	if secs, err := strconv.Atoi(in); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(in)
	*d = Duration(v)
	return err
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

// URL is a string config value validated as a parseable URL on assignment.
type URL string

func (u *URL) UnmarshalFlag(in string) error {
	if _, err := url.Parse(in); err != nil {
		return err
	}
	*u = URL(in)
	return nil
}

func (u *URL) UnmarshalText(text []byte) error {
	return u.UnmarshalFlag(string(text))
}

func (u URL) String() string { return string(u) }
