package telegram

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"chatbridge/internal/transport"
)

const directoryFile = "directory.json"

// directory remembers chats the bot has seen. It lives in the session
// material directory, so wiping the session forgets them.
type directory struct {
	mu     sync.Mutex
	path   string
	Chats  map[string]string `json:"chats"` // chat id -> display name
	Offset int               `json:"offset"`
	dirty  bool
}

func loadDirectory(dir string) (*directory, error) {
	d := &directory{Chats: map[string]string{}}
	if strings.TrimSpace(dir) == "" {
		return d, nil
	}
	d.path = filepath.Join(dir, directoryFile)
	b, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, d); err != nil {
		return nil, err
	}
	if d.Chats == nil {
		d.Chats = map[string]string{}
	}
	return d, nil
}

func (d *directory) learn(c *tele.Chat) {
	if c == nil || c.ID == 0 {
		return
	}
	name := chatName(c)
	if name == "" {
		return
	}
	id := strconv.FormatInt(c.ID, 10)
	d.mu.Lock()
	if d.Chats[id] != name {
		d.Chats[id] = name
		d.dirty = true
	}
	d.mu.Unlock()
}

func (d *directory) known(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.Chats[strconv.FormatInt(id, 10)]
	return ok
}

func (d *directory) advance(offset int) {
	d.mu.Lock()
	if offset > d.Offset {
		d.Offset = offset
		d.dirty = true
	}
	d.mu.Unlock()
}

func (d *directory) offset() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Offset
}

func (d *directory) list() []transport.Destination {
	d.mu.Lock()
	out := make([]transport.Destination, 0, len(d.Chats))
	for id, name := range d.Chats {
		out = append(out, transport.Destination{ID: id, Name: name})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// flush writes the directory atomically when it changed.
func (d *directory) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty || d.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return err
	}
	d.dirty = false
	return nil
}

func chatName(c *tele.Chat) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	full := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if full != "" {
		return full
	}
	if u := strings.TrimSpace(c.Username); u != "" {
		return "@" + u
	}
	return ""
}
