package main

import (
	"fmt"
	"strings"
)

// Replies produced by the filesystem. These strings are what the attacker
// sees, so they never carry internal detail.
const (
	msgFileNotFound     = "File not found"
	msgDirNotFound      = "Directory not found"
	msgDirExists        = "Directory already exists"
	msgDirCreatedFmt    = "Directory '%s' created"
	msgContentWrittenTo = "Content written to %s"
)

// node is either a *dirNode or a *fileNode.
type node interface {
	isNode()
}

// dirNode keeps its entries in insertion order. Overwriting an existing name
// keeps the first position.
type dirNode struct {
	names   []string
	entries map[string]node
}

type fileNode struct {
	content string
}

func (*dirNode) isNode()  {}
func (*fileNode) isNode() {}

func newDirNode() *dirNode {
	return &dirNode{entries: make(map[string]node)}
}

func (d *dirNode) get(name string) (node, bool) {
	n, ok := d.entries[name]
	return n, ok
}

func (d *dirNode) put(name string, n node) {
	if _, ok := d.entries[name]; !ok {
		d.names = append(d.names, name)
	}
	d.entries[name] = n
}

func (d *dirNode) len() int { return len(d.names) }

// virtualFS is a per-session in-memory tree. The cursor is the list of
// directory names walked from the root; cwd[0] is always "root".
type virtualFS struct {
	root *dirNode
	cwd  []string
}

func newVirtualFS() *virtualFS {
	return &virtualFS{
		root: newDirNode(),
		cwd:  []string{"root"},
	}
}

// validName reports whether name can denote a single directory entry.
func validName(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}

// currentDir walks the cursor from the root. A cursor that does not resolve
// to a directory is a broken invariant and panics; the session loop recovers.
func (fs *virtualFS) currentDir() *dirNode {
	cur := fs.root
	for _, name := range fs.cwd[1:] {
		n, ok := cur.get(name)
		if !ok {
			panic(fmt.Sprintf("vfs: cursor component %q missing", name))
		}
		d, ok := n.(*dirNode)
		if !ok {
			panic(fmt.Sprintf("vfs: cursor component %q is not a directory", name))
		}
		cur = d
	}
	return cur
}

// pwd renders the cursor as an absolute path, with the root as "/".
func (fs *virtualFS) pwd() string {
	if len(fs.cwd) == 1 {
		return "/"
	}
	return "/" + strings.Join(fs.cwd[1:], "/")
}

func (fs *virtualFS) list(showHidden bool) []string {
	dir := fs.currentDir()
	items := make([]string, 0, dir.len())
	for _, name := range dir.names {
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		switch dir.entries[name].(type) {
		case *dirNode:
			items = append(items, name+"/")
		case *fileNode:
			items = append(items, name)
		}
	}
	return items
}

func (fs *virtualFS) touch(name string) {
	fs.currentDir().put(name, &fileNode{})
}

func (fs *virtualFS) writeFile(name, content string) string {
	fs.currentDir().put(name, &fileNode{content: content})
	return fmt.Sprintf(msgContentWrittenTo, name)
}

// readFile returns msgFileNotFound for directories as well as for missing
// names.
func (fs *virtualFS) readFile(name string) string {
	n, ok := fs.currentDir().get(name)
	if !ok {
		return msgFileNotFound
	}
	switch n := n.(type) {
	case *fileNode:
		return n.content
	default:
		return msgFileNotFound
	}
}

func (fs *virtualFS) mkdir(name string) string {
	dir := fs.currentDir()
	if _, ok := dir.get(name); ok {
		return msgDirExists
	}
	dir.put(name, newDirNode())
	return fmt.Sprintf(msgDirCreatedFmt, name)
}

func (fs *virtualFS) cd(name string) string {
	if name == ".." {
		if len(fs.cwd) > 1 {
			fs.cwd = fs.cwd[:len(fs.cwd)-1]
		}
		return ""
	}
	n, ok := fs.currentDir().get(name)
	if !ok {
		return msgDirNotFound
	}
	switch n.(type) {
	case *dirNode:
		fs.cwd = append(fs.cwd, name)
		return ""
	default:
		return msgDirNotFound
	}
}
