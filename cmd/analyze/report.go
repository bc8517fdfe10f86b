package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
)

// ── Types ──────────────────────────────────────────────────────────────────────

// auditEntry mirrors one line of audit.jsonl.
type auditEntry struct {
	TS       string `json:"ts"`
	Session  string `json:"session"`
	IP       string `json:"ip"`
	User     string `json:"user"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

type counter map[string]int

func (c counter) topN(n int) []kv {
	kvs := make([]kv, 0, len(c))
	for k, v := range c {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].V != kvs[j].V {
			return kvs[i].V > kvs[j].V
		}
		return kvs[i].K < kvs[j].K
	})
	if n > 0 && len(kvs) > n {
		kvs = kvs[:n]
	}
	return kvs
}

type kv struct {
	K string
	V int
}

// credential is one parsed AUTH record.
type credential struct {
	user, pass, method string
}

type sessionSummary struct {
	id       string
	ip       string
	user     string
	commands []string
	execs    []string
	uploads  []string
	faults   int
}

type report struct {
	topN int

	authTotal  int
	firstAuth  string
	lastAuth   string
	ips        counter
	users      counter
	passwords  counter
	pairs      counter // "user\x00pass"
	authMethod counter

	verbs     counter
	execVerbs counter
	rejected  int

	sessions []*sessionSummary
}

// ── Loaders ────────────────────────────────────────────────────────────────────

func loadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeJSONL[T](f)
}

// decodeJSONL skips blank and malformed lines.
func decodeJSONL[T any](r io.Reader) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, sc.Err()
}

// ── Analysis ───────────────────────────────────────────────────────────────────

// parseCredential understands the three AUTH message shapes:
// "user:pass", "user (none)" and "user <pubkey:FP>".
func parseCredential(msg string) credential {
	if u, ok := strings.CutSuffix(msg, " (none)"); ok {
		return credential{user: u, method: "none"}
	}
	if i := strings.Index(msg, " <pubkey:"); i >= 0 {
		return credential{user: msg[:i], pass: strings.TrimSuffix(msg[i+len(" <pubkey:"):], ">"), method: "publickey"}
	}
	u, p, _ := strings.Cut(msg, ":")
	return credential{user: u, pass: p, method: "password"}
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

func buildReport(entries []auditEntry, topN int) report {
	r := report{
		topN:       topN,
		ips:        make(counter),
		users:      make(counter),
		passwords:  make(counter),
		pairs:      make(counter),
		authMethod: make(counter),
		verbs:      make(counter),
		execVerbs:  make(counter),
	}
	bySession := make(map[string]*sessionSummary)
	session := func(e auditEntry) *sessionSummary {
		s, ok := bySession[e.Session]
		if !ok {
			s = &sessionSummary{id: e.Session, ip: hostOnly(e.IP)}
			bySession[e.Session] = s
			r.sessions = append(r.sessions, s)
		}
		if e.User != "" {
			s.user = e.User
		}
		return s
	}

	for _, e := range entries {
		switch e.Category {
		case "AUTH":
			c := parseCredential(e.Message)
			r.authTotal++
			if r.firstAuth == "" || e.TS < r.firstAuth {
				r.firstAuth = e.TS
			}
			if e.TS > r.lastAuth {
				r.lastAuth = e.TS
			}
			r.ips[hostOnly(e.IP)]++
			r.users[c.user]++
			r.authMethod[c.method]++
			if c.method == "password" {
				r.passwords[c.pass]++
				r.pairs[c.user+"\x00"+c.pass]++
			}
		case "CMD":
			s := session(e)
			s.commands = append(s.commands, e.Message)
			if v := firstField(e.Message); v != "" {
				r.verbs[v]++
			}
		case "EXEC":
			s := session(e)
			s.execs = append(s.execs, e.Message)
			if v := firstField(e.Message); v != "" {
				r.execVerbs[v]++
			}
		case "UPLOAD":
			s := session(e)
			s.uploads = append(s.uploads, e.Message)
		case "CONNECT":
			session(e)
		case "ERROR":
			if e.Session != "" {
				session(e).faults++
			}
		case "REJECT":
			r.rejected++
		}
	}
	return r
}

// flags marks sessions worth a closer look.
func (s *sessionSummary) flags() []string {
	var out []string
	seen := map[string]bool{}
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, c := range append(append([]string{}, s.commands...), s.execs...) {
		cl := strings.ToLower(c)
		switch {
		case strings.Contains(cl, "rm -rf") || strings.Contains(cl, "rm -r /"):
			add("rm-nuke")
		case strings.Contains(cl, "wget") || strings.Contains(cl, "curl"):
			add("downloader")
		case strings.Contains(cl, "john") || strings.Contains(cl, "hashcat"):
			add("cracker")
		case strings.Contains(cl, "nmap"):
			add("scanner")
		case strings.Contains(cl, "history"):
			add("anti-forensic")
		case strings.HasPrefix(cl, "echo") && strings.Contains(cl, ">"):
			add("writer")
		}
	}
	if len(s.uploads) > 0 {
		add("uploader")
	}
	if s.faults > 0 {
		add("fault")
	}
	return out
}

// ── Formatting ─────────────────────────────────────────────────────────────────

func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	sep := make([]string, len(headers))
	for i, wd := range widths {
		sep[i] = strings.Repeat("─", wd)
	}
	row2line := func(cells []string) string {
		parts := make([]string, len(headers))
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(w, row2line(headers))
	fmt.Fprintln(w, strings.Join(sep, "  "))
	for _, row := range rows {
		fmt.Fprintln(w, row2line(row))
	}
}

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("─", len(title)))
}

func countRows(c counter, n int) [][]string {
	rows := [][]string{}
	for _, e := range c.topN(n) {
		rows = append(rows, []string{e.K, fmt.Sprint(e.V)})
	}
	return rows
}

func (r report) print(w io.Writer, showSessions bool) {
	if r.authTotal == 0 {
		fmt.Fprintln(w, "\nNo credential attempts logged yet.")
	} else {
		section(w, "Auth Attempts")
		fmt.Fprintf(w, "Total attempts    : %d\n", r.authTotal)
		fmt.Fprintf(w, "First             : %s\n", r.firstAuth)
		fmt.Fprintf(w, "Last              : %s\n", r.lastAuth)
		fmt.Fprintf(w, "Unique IPs        : %d\n", len(r.ips))
		fmt.Fprintf(w, "Unique usernames  : %d\n", len(r.users))
		fmt.Fprintf(w, "Unique passwords  : %d\n", len(r.passwords))

		section(w, "Auth Methods")
		printTable(w, []string{"Method", "Count"}, countRows(r.authMethod, 0))

		section(w, fmt.Sprintf("Top %d Source IPs", r.topN))
		printTable(w, []string{"IP", "Attempts"}, countRows(r.ips, r.topN))

		section(w, fmt.Sprintf("Top %d Usernames", r.topN))
		printTable(w, []string{"Username", "Count"}, countRows(r.users, r.topN))

		if len(r.passwords) > 0 {
			section(w, fmt.Sprintf("Top %d Passwords", r.topN))
			printTable(w, []string{"Password", "Count"}, countRows(r.passwords, r.topN))

			section(w, fmt.Sprintf("Top %d Credential Pairs", r.topN))
			rows := [][]string{}
			for _, e := range r.pairs.topN(r.topN) {
				u, p, _ := strings.Cut(e.K, "\x00")
				rows = append(rows, []string{u, p, fmt.Sprint(e.V)})
			}
			printTable(w, []string{"Username", "Password", "Count"}, rows)
		}
	}

	section(w, "Sessions")
	active := 0
	for _, s := range r.sessions {
		if len(s.commands) > 0 || len(s.execs) > 0 {
			active++
		}
	}
	fmt.Fprintf(w, "Total sessions : %d\n", len(r.sessions))
	fmt.Fprintf(w, "Active sessions: %d (ran at least one command)\n", active)
	fmt.Fprintf(w, "Rejected       : %d (connection limit)\n", r.rejected)

	if len(r.verbs) > 0 {
		section(w, fmt.Sprintf("Top %d Interactive Commands", r.topN))
		printTable(w, []string{"Command", "Count"}, countRows(r.verbs, r.topN))
	}
	if len(r.execVerbs) > 0 {
		section(w, fmt.Sprintf("Top %d Exec Commands (non-interactive)", r.topN))
		printTable(w, []string{"Command", "Count"}, countRows(r.execVerbs, r.topN))
	}

	var uploads [][]string
	for _, s := range r.sessions {
		for _, u := range s.uploads {
			// "<name> <size> sha256:<hex>"
			f := strings.Fields(u)
			if len(f) == 3 {
				uploads = append(uploads, []string{s.ip, f[0], f[1], strings.TrimPrefix(f[2], "sha256:")})
			}
		}
	}
	if len(uploads) > 0 {
		section(w, "Captured Uploads")
		printTable(w, []string{"IP", "File", "Bytes", "SHA-256"}, uploads)
	}

	section(w, "Notable Sessions")
	notable := 0
	for _, s := range r.sessions {
		f := s.flags()
		if len(f) == 0 {
			continue
		}
		notable++
		fmt.Fprintf(w, "  %-36s %-15s [%s]\n", s.id, s.ip, strings.Join(f, ", "))
	}
	if notable == 0 {
		fmt.Fprintln(w, "  None flagged.")
	}

	if showSessions {
		section(w, "Per-Session Command Detail")
		for _, s := range r.sessions {
			if len(s.commands) == 0 && len(s.execs) == 0 && len(s.uploads) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n  %s  %s  user=%s\n", s.id, s.ip, s.user)
			for _, c := range s.commands {
				fmt.Fprintf(w, "    shell> %s\n", c)
			}
			for _, e := range s.execs {
				fmt.Fprintf(w, "    exec>  %s\n", e)
			}
			for _, u := range s.uploads {
				fmt.Fprintf(w, "    scp>   %s\n", u)
			}
		}
	}
}
