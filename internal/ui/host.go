package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// sender is the part of *tea.Program the host needs.
type sender interface {
	Send(msg tea.Msg)
}

// Host renders controller output into a running program.
type Host struct {
	program sender
}

// NewHost creates a renderer bound to p.
func NewHost(p sender) *Host {
	return &Host{program: p}
}

func (h *Host) ShowMessage(_ context.Context, text string) error {
	h.program.Send(HostMessageMsg(text))
	return nil
}

func (h *Host) ShowCountdown(_ context.Context, text string) error {
	h.program.Send(HostCountdownMsg(text))
	return nil
}

var _ domain.Renderer = (*Host)(nil)
