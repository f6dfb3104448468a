// Package mpris tracks media players on the session bus. Players come and
// go, so every burst of changes is answered with a full refetch and a
// fresh set of subscriptions.
package mpris

import (
	"slices"
	"strings"
)

// PlaybackStatus is a player's org.mpris.MediaPlayer2.Player.PlaybackStatus.
type PlaybackStatus string

const (
	Playing PlaybackStatus = "Playing"
	Paused  PlaybackStatus = "Paused"
	Stopped PlaybackStatus = "Stopped"
)

// ParsePlaybackStatus maps unknown values to Stopped.
func ParsePlaybackStatus(s string) PlaybackStatus {
	switch p := PlaybackStatus(s); p {
	case Playing, Paused:
		return p
	default:
		return Stopped
	}
}

// Metadata is the subset of xesam metadata the shell shows.
type Metadata struct {
	Artists []string `json:"artists,omitempty"`
	Title   string   `json:"title,omitempty"`
}

// String renders "Artist, Artist - Title", or whichever part is known.
func (m Metadata) String() string {
	artists := strings.Join(m.Artists, ", ")
	switch {
	case artists == "":
		return m.Title
	case m.Title == "":
		return artists
	default:
		return artists + " - " + m.Title
	}
}

// Player is one MPRIS player.
type Player struct {
	// Service is the well-known bus name, e.g. org.mpris.MediaPlayer2.spotify.
	Service  string    `json:"service"`
	Metadata *Metadata `json:"metadata"`
	// Volume is a percentage; nil when the player does not expose one.
	Volume     *float64       `json:"volume"`
	State      PlaybackStatus `json:"state"`
	CanControl bool           `json:"canControl"`
}

// Data is the mpris snapshot. Players are ordered by service name.
type Data struct {
	Players []Player `json:"players"`
}

func (d Data) Clone() Data {
	out := Data{Players: slices.Clone(d.Players)}
	for i, p := range out.Players {
		if p.Metadata != nil {
			m := *p.Metadata
			m.Artists = slices.Clone(m.Artists)
			out.Players[i].Metadata = &m
		}
		if p.Volume != nil {
			v := *p.Volume
			out.Players[i].Volume = &v
		}
	}
	return out
}

// Player returns the player owning service.
func (d Data) Player(service string) (Player, bool) {
	for _, p := range d.Players {
		if p.Service == service {
			return p, true
		}
	}
	return Player{}, false
}
