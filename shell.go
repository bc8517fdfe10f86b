package main

import (
	"fmt"
	"io"
	"strings"
)

const msgInvalidCommand = "Invalid command"

// outcome tells the session loop what to do with a dispatched line.
type outcome int

const (
	outcomeSilent outcome = iota // nothing to send but the prompt
	outcomeReply
	outcomeExit
)

// stream is the duplex byte stream the transport hands a session.
// ssh.Channel satisfies it.
type stream interface {
	io.ReadWriter
	Close() error
}

// fakeShell is one session: a private filesystem, the interpreter over it and
// the read/reply loop.
type fakeShell struct {
	rw    stream
	ip    string
	fs    *virtualFS
	audit eventRecorder
	slog  *sessionLogger // transcript, may be nil
}

func newFakeShell(rw stream, ip string, audit eventRecorder, sess *sessionLogger) *fakeShell {
	return &fakeShell{
		rw:    rw,
		ip:    ip,
		fs:    newVirtualFS(),
		audit: audit,
		slog:  sess,
	}
}

// dispatch interprets one line. Every line is recorded before it is parsed.
func (s *fakeShell) dispatch(line string) (string, outcome) {
	line = strings.TrimSpace(line)
	s.audit.record(catCommand, line)

	// echo TEXT > NAME is the only redirection understood; the first '>' wins.
	if strings.HasPrefix(line, "echo") && strings.Contains(line, ">") {
		recordCommand("echo")
		left, right, _ := strings.Cut(line, ">")
		text := unquote(strings.TrimSpace(strings.TrimPrefix(left, "echo")))
		name := strings.TrimSpace(right)
		if !validName(name) {
			return msgInvalidCommand, outcomeReply
		}
		return s.fs.writeFile(name, text), outcomeReply
	}

	args := strings.Fields(line)
	if len(args) == 0 {
		return "", outcomeSilent
	}
	cmd := args[0]
	recordCommand(cmd)

	switch {
	case cmd == "exit":
		return "", outcomeExit
	case cmd == "ls":
		return strings.Join(s.fs.list(len(args) > 1 && args[1] == "-la"), "\n"), outcomeReply
	case cmd == "touch" && len(args) > 1:
		if !validName(args[1]) {
			break
		}
		s.fs.touch(args[1])
		return "Created file " + args[1], outcomeReply
	case cmd == "mkdir" && len(args) > 1:
		if !validName(args[1]) {
			break
		}
		return s.fs.mkdir(args[1]), outcomeReply
	case cmd == "cd" && len(args) > 1:
		return s.fs.cd(args[1]), outcomeReply
	case cmd == "cat" && len(args) > 1:
		return s.fs.readFile(args[1]), outcomeReply
	}
	return msgInvalidCommand, outcomeReply
}

// unquote strips one pair of enclosing double quotes.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// write reports whether the bytes reached the stream.
func (s *fakeShell) write(data string) bool {
	_, err := io.WriteString(s.rw, data)
	if err != nil {
		logEvent("DEBUG", s.ip, "write: "+err.Error())
		return false
	}
	return true
}

// run drives the session until exit, end of stream or an I/O error. A panic
// from the interpreter ends this session only. The stream is always closed.
func (s *fakeShell) run() {
	defer s.rw.Close()
	defer s.recoverFault()

	if !s.write(prompt) {
		return
	}

	buf := make([]byte, recvSize)
	for {
		n, err := s.rw.Read(buf)
		if n == 0 {
			if err != nil && err != io.EOF {
				logEvent("DEBUG", s.ip, "read: "+err.Error())
			}
			return
		}

		line := strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), ""))
		if !s.handleLine(line) {
			return
		}
		if err != nil {
			return
		}
	}
}

// recoverFault must be deferred directly.
func (s *fakeShell) recoverFault() {
	if r := recover(); r != nil {
		msg := fmt.Sprintf("session fault: %v", r)
		recordSessionError()
		s.audit.record(catError, msg)
		s.slog.log("ERROR: %s", msg)
	}
}

// handleLine processes one decoded line and reports whether the session
// stays active.
func (s *fakeShell) handleLine(line string) bool {
	if line == "" {
		return s.write(prompt)
	}

	s.slog.log("CMD: %s", line)
	out, oc := s.dispatch(line)
	switch oc {
	case outcomeExit:
		s.slog.log("EXIT")
		return false
	case outcomeReply:
		if out != "" {
			s.slog.log("OUT: %s", out)
			if !s.write(out + "\n") {
				return false
			}
		}
	}
	return s.write(prompt)
}

// runOnce answers a single exec request against a fresh filesystem.
func (s *fakeShell) runOnce(line string) {
	defer s.recoverFault()
	line = strings.TrimSpace(strings.ToValidUTF8(line, ""))
	if line == "" {
		return
	}
	s.slog.log("EXEC: %s", line)
	out, oc := s.dispatch(line)
	if oc == outcomeReply && out != "" {
		s.slog.log("OUT: %s", out)
		s.write(out + "\n")
	}
}
