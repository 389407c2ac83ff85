package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type lineResult struct {
	line string
	err  error
}

// lineReader reads lines from the user. A read runs in its own goroutine so an
// interrupt can abandon it; the abandoned read is picked up by the next call.
type lineReader struct {
	in      io.Reader
	r       *bufio.Reader
	pending chan lineResult
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{in: in, r: bufio.NewReader(in)}
}

// ReadLine returns the next line without its line ending. At end of input the
// last partial line is returned together with io.EOF.
func (l *lineReader) ReadLine(ctx context.Context) (string, error) {
	if l.pending == nil {
		ch := make(chan lineResult, 1)
		l.pending = ch
		go func() {
			s, err := l.r.ReadString('\n')
			ch <- lineResult{line: s, err: err}
		}()
	}
	select {
	case res := <-l.pending:
		l.pending = nil
		return strings.TrimRight(res.line, "\r\n"), res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ReadPassword reads a line without echo when the input is a terminal.
func (l *lineReader) ReadPassword(ctx context.Context) (string, error) {
	f, ok := l.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return l.ReadLine(ctx)
	}
	fd := int(f.Fd())
	state, err := term.GetState(fd)
	if err != nil {
		return "", err
	}
	ch := make(chan lineResult, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- lineResult{line: string(b), err: err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		_ = term.Restore(fd, state)
		return "", ctx.Err()
	}
}
