// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/groundlink/uplink/failover"
)

var (
	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1)
)

// terminalPolicy asks the operator on the terminal. Lines are read by
// one goroutine for the life of the process so that a prompt abandoned
// by cancellation does not leave a reader behind to steal the next
// answer.
type terminalPolicy struct {
	in  io.Reader
	out io.Writer

	start sync.Once
	lines chan string
}

func newTerminalPolicy(in io.Reader, out io.Writer) *terminalPolicy {
	return &terminalPolicy{in: in, out: out, lines: make(chan string, 1)}
}

func (p *terminalPolicy) readLines() {
	defer close(p.lines)
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

func (p *terminalPolicy) Decide(ctx context.Context, prompt failover.Prompt) failover.Decision {
	p.start.Do(func() { go p.readLines() })

	// Anything typed before the prompt appeared is not an answer.
drain:
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return failover.Abort
			}
		default:
			break drain
		}
	}

	fmt.Fprintln(p.out, promptStyle.Render(prompt.Message()))
	fmt.Fprint(p.out, "[y/N] ")

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return failover.Abort
	case line, ok := <-p.lines:
		if !ok || !isYes(line) {
			return failover.Abort
		}
		if prompt.CanSwitch() {
			return failover.Switch
		}
		return failover.Retry
	}
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func newTerminalNotifier(w io.Writer) failover.Notifier {
	var mu sync.Mutex
	return failover.NotifierFunc(func(_ context.Context, notice failover.Notice) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, noticeStyle.Render(notice.Message()))
	})
}
