package services

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// FileSystem exposes read-only file metadata under Root. An empty Root allows any path.
type FileSystem struct {
	Root string
}

type StatArgs struct {
	Path string `json:"path"`
}

type StatReply struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"mtime"`
	IsDir   bool        `json:"isDir"`
}

type ReadDirArgs struct {
	Path string `json:"path"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

type ReadDirReply struct {
	Entries []DirEntry `json:"entries"`
}

func (f *FileSystem) resolve(p string) (string, error) {
	if p == "" {
		return "", invalidArgument("path is empty")
	}
	if f.Root == "" {
		return p, nil
	}
	full := filepath.Join(f.Root, filepath.Clean("/"+p))
	return full, nil
}

// Stat reports the metadata of a file. A missing file fails with CodeFileNotFound.
func (f *FileSystem) Stat(ctx context.Context, args *StatArgs, reply *StatReply) error {
	p, err := f.resolve(args.Path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return fsError(err, args.Path)
	}
	*reply = StatReply{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
	return nil
}

// ReadDir lists a directory in name order.
func (f *FileSystem) ReadDir(ctx context.Context, args *ReadDirArgs, reply *ReadDirReply) error {
	p, err := f.resolve(args.Path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return fsError(err, args.Path)
	}
	if !fi.IsDir() {
		return codeError(CodeNotADirectory, args.Path+" is not a directory")
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return fsError(err, args.Path)
	}
	reply.Entries = make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reply.Entries = append(reply.Entries, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return nil
}
