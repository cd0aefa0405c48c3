// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arch

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// header is decoded first to find the preset a file builds upon.
type header struct {
	Base string `toml:"base"`
}

// Decode parses a TOML architecture description. If the description names a
// base preset, its keys override the preset's fields; otherwise it must be
// complete. The result is validated.
func Decode(text string) (*Config, error) {
	var h header
	if _, err := toml.Decode(text, &h); err != nil {
		return nil, err
	}
	c := &Config{}
	if h.Base != "" {
		var err error
		if c, err = Lookup(h.Base); err != nil {
			return nil, err
		}
	}
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, err
	}
	for _, key := range md.Undecoded() {
		if key.String() != "base" {
			return nil, fmt.Errorf("unknown key %q", key.String())
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and decodes the architecture description at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Decode(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode renders c as TOML.
func Encode(c *Config) (string, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}
