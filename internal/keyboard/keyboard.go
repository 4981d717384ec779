// Package keyboard turns a single 'q' key press on the controlling terminal
// into a quit request. The terminal is put in raw mode so no Enter is needed;
// log output must use CRLF line endings while the listener runs.
package keyboard

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// ErrNotTerminal is returned when stdin is not a TTY.
var ErrNotTerminal = errors.New("keyboard: stdin is not a terminal")

const stopTimeout = time.Second

// Listener owns the terminal until Stop.
type Listener struct {
	prog *tea.Program

	quit     chan struct{}
	quitOnce sync.Once

	done chan struct{}
	err  error
}

// StartStdin listens on the process terminal.
func StartStdin() (*Listener, error) {
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return nil, ErrNotTerminal
	}
	return Start(os.Stdin, os.Stdout), nil
}

// Start listens for key presses on in. Signals are left to the caller.
func Start(in io.Reader, out io.Writer) *Listener {
	l := &Listener{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.prog = tea.NewProgram(model{onQuit: l.request},
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithoutSignalHandler(),
	)

	go func() {
		defer close(l.done)
		if _, err := l.prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			l.err = err
			slog.Warn("keyboard: listener stopped", "error", err)
		}
	}()

	slog.Debug("keyboard: press q to quit")
	return l
}

// Quit is closed on the first quit key.
func (l *Listener) Quit() <-chan struct{} {
	return l.quit
}

// Stop restores the terminal. Idempotent.
func (l *Listener) Stop() error {
	l.prog.Quit()
	select {
	case <-l.done:
	case <-time.After(stopTimeout):
		l.prog.Kill()
		<-l.done
	}
	return l.err
}

func (l *Listener) request() {
	l.quitOnce.Do(func() {
		slog.Info("keyboard: quit requested")
		close(l.quit)
	})
}

type model struct {
	onQuit func()
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "q", "Q", "ctrl+c":
			m.onQuit()
		}
	}
	return m, nil
}

// View is empty: the display is the video window, the terminal only logs.
func (m model) View() string { return "" }
