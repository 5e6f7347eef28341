package history

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	historySuffix = ".log"
	pinsSuffix    = ".pins"
)

// FileStore keeps one append-only text file per room for chat history and
// one per room for pins. Writes are not fsynced.
type FileStore struct {
	dir string

	// pin logs are rewritten on removal, so every pin mutation for a room
	// goes through that room's lock
	pinMu    sync.Mutex
	pinLocks map[string]*sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileStore{
		dir:      dir,
		pinLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) historyPath(room string) string {
	return filepath.Join(s.dir, room+historySuffix)
}

func (s *FileStore) pinsPath(room string) string {
	return filepath.Join(s.dir, room+pinsSuffix)
}

func (s *FileStore) pinLock(room string) *sync.Mutex {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	mu, ok := s.pinLocks[room]
	if !ok {
		mu = &sync.Mutex{}
		s.pinLocks[room] = mu
	}
	return mu
}

// Append implements Store
func (s *FileStore) Append(room, line string) error {
	if err := checkRoom(room); err != nil {
		return err
	}
	return appendLine(s.historyPath(room), line)
}

// Replay implements Store
func (s *FileStore) Replay(room string, w io.Writer) error {
	if err := checkRoom(room); err != nil {
		return err
	}

	f, err := os.Open(s.historyPath(room))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to replay history: %w", err)
	}
	return nil
}

// AppendPin implements Store
func (s *FileStore) AppendPin(room, line string) error {
	if err := checkRoom(room); err != nil {
		return err
	}

	mu := s.pinLock(room)
	mu.Lock()
	defer mu.Unlock()

	return appendLine(s.pinsPath(room), line)
}

// Pins implements Store
func (s *FileStore) Pins(room string) ([]string, error) {
	if err := checkRoom(room); err != nil {
		return nil, err
	}

	mu := s.pinLock(room)
	mu.Lock()
	defer mu.Unlock()

	return readLines(s.pinsPath(room))
}

// RemovePin implements Store. The pin file is rewritten through a temp file
// and renamed into place.
func (s *FileStore) RemovePin(room string, index int) (string, error) {
	if err := checkRoom(room); err != nil {
		return "", err
	}
	if index < 1 {
		return "", ErrInvalidPinIndex
	}

	mu := s.pinLock(room)
	mu.Lock()
	defer mu.Unlock()

	path := s.pinsPath(room)
	lines, err := readLines(path)
	if err != nil {
		return "", err
	}
	if index > len(lines) {
		return "", fmt.Errorf("%w: %d of %d", ErrPinNotFound, index, len(lines))
	}

	removed := lines[index-1]
	remaining := append(lines[:index-1:index-1], lines[index:]...)

	tmp, err := os.CreateTemp(s.dir, room+".pins.*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp pin file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	for _, line := range remaining {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write pins: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp pin file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to replace pin file: %w", err)
	}

	return removed, nil
}

// Rooms implements Store
func (s *FileStore) Rooms() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var rooms []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		rooms = append(rooms, strings.TrimSuffix(name, historySuffix))
	}
	sort.Strings(rooms)
	return rooms, nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}
