// Package config loads and validates anonchat's runtime settings from
// environment variables (spec §6), with an optional YAML overlay for
// static room presets.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults per spec §6.
const (
	DefaultPort        = 54545
	DefaultBroadcastIP = "255.255.255.255"
	DefaultUIHost      = "127.0.0.1"
	DefaultUIPort      = 5000
	MaxNicknameBytes   = 32
)

// RoomPreset describes a room to create automatically at startup, loaded
// from a YAML overlay file rather than the environment (spec §2.2's
// "static room presets that should exist before any peer traffic
// arrives").
type RoomPreset struct {
	Name         string `yaml:"name"`
	Password     string `yaml:"password,omitempty"`
	Discoverable bool   `yaml:"discoverable"`
	MaxMembers   int    `yaml:"max_members"`
}

// fileOverlay is the shape of the optional YAML config file.
type fileOverlay struct {
	Rooms []RoomPreset `yaml:"rooms"`
}

// Settings holds anonchat's fully resolved, validated runtime
// configuration.
type Settings struct {
	Port        int
	BroadcastIP string
	InterfaceIP string // empty means auto-select
	Nickname    string
	UIHost      string
	UIPort      int
	Debug       bool
	RoomPresets []RoomPreset
}

// ValidationError collects every configuration problem found at once,
// rather than failing on the first one — the teacher's config validates
// this way so a misconfigured deployment sees every issue in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// FromEnv reads Settings from the ANONCHAT_* environment variables
// documented in spec §6, applies defaults, and validates the result.
func FromEnv() (*Settings, error) {
	s := &Settings{
		Port:        DefaultPort,
		BroadcastIP: DefaultBroadcastIP,
		UIHost:      DefaultUIHost,
		UIPort:      DefaultUIPort,
	}

	if v := os.Getenv("ANONCHAT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("ANONCHAT_PORT: %v", err)}}
		}
		s.Port = port
	}
	if v := os.Getenv("ANONCHAT_BROADCAST_IP"); v != "" {
		s.BroadcastIP = v
	}
	s.InterfaceIP = os.Getenv("ANONCHAT_INTERFACE_IP")
	s.Nickname = os.Getenv("ANONCHAT_NICKNAME")
	if v := os.Getenv("ANONCHAT_UI_HOST"); v != "" {
		s.UIHost = v
	}
	if v := os.Getenv("ANONCHAT_UI_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("ANONCHAT_UI_PORT: %v", err)}}
		}
		s.UIPort = port
	}
	s.Debug = os.Getenv("ANONCHAT_DEBUG") == "1"

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile merges a YAML overlay (currently: room presets) into Settings.
// Environment-derived fields always win; the file only supplies things
// the environment has no variable for.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	s.RoomPresets = overlay.Rooms
	return s.Validate()
}

// Validate checks every field and returns a ValidationError listing
// every problem found, or nil if the settings are usable.
func (s *Settings) Validate() error {
	var problems []string

	if s.Port < 1 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", s.Port))
	}
	if s.UIPort < 1 || s.UIPort > 65535 {
		problems = append(problems, fmt.Sprintf("ui port %d out of range", s.UIPort))
	}
	if s.BroadcastIP != "" && net.ParseIP(s.BroadcastIP) == nil {
		problems = append(problems, fmt.Sprintf("broadcast ip %q is not a valid IPv4 address", s.BroadcastIP))
	}
	if s.InterfaceIP != "" && net.ParseIP(s.InterfaceIP) == nil {
		problems = append(problems, fmt.Sprintf("interface ip %q is not a valid IPv4 address", s.InterfaceIP))
	}
	if len(s.Nickname) > MaxNicknameBytes {
		problems = append(problems, fmt.Sprintf("nickname exceeds %d bytes", MaxNicknameBytes))
	}
	for i, r := range s.RoomPresets {
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("room preset %d: missing name", i))
		}
		if r.MaxMembers < 0 {
			problems = append(problems, fmt.Sprintf("room preset %d: negative max_members", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// String renders the settings for logging, matching the teacher's
// Redacted-config pattern: there is no secret in Settings itself (room
// passwords live in RoomPresets and are intentionally omitted here,
// since spec §3 never transmits them either).
func (s *Settings) String() string {
	return fmt.Sprintf(
		"port=%d broadcast_ip=%s interface_ip=%s ui=%s:%d debug=%v rooms=%d",
		s.Port, s.BroadcastIP, orAuto(s.InterfaceIP), s.UIHost, s.UIPort, s.Debug, len(s.RoomPresets),
	)
}

func orAuto(ip string) string {
	if ip == "" {
		return "auto"
	}
	return ip
}
