package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/MrWong99/vibepm/internal/config"
	"github.com/MrWong99/vibepm/internal/interview"
)

// textSession is the part of a discovery session the text loop drives.
type textSession interface {
	Greeting() string
	StreamReply(ctx context.Context, text string) (<-chan interview.Fragment, error)
	Export(dir string) ([]string, error)
}

// runText reads one user turn per line from in until EOF, "exit" or ctx is
// done. "save" writes the export files without ending the session.
func runText(ctx context.Context, in io.Reader, con *console, sess textSession, ann *announcer, export config.ExportConfig) error {
	ann.set(con.assistant)
	con.assistant(sess.Greeting())
	con.notice(`type your answer; "save" writes the document, "exit" quits`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "save":
			if export.Disabled {
				con.notice("export is disabled")
				continue
			}
			paths, err := sess.Export(export.Dir)
			if err != nil {
				con.error(err)
				continue
			}
			con.notice("saved %s", strings.Join(paths, ", "))
			continue
		}

		con.user(line)
		ch, err := sess.StreamReply(ctx, line)
		if err != nil {
			return err
		}
		for frag := range ch {
			if frag.Err != nil {
				con.error(frag.Err)
				continue
			}
			con.assistant(frag.Text)
		}
	}
}
