package innerfat

import threeerrors "github.com/threesd-go/threesd/internal/errors"

// Sink receives the directories and files produced by Walk. File is
// handed the entry's table index rather than its data so that callers can
// choose how to materialize content: a savegame fetches it from the FAT
// chain via GetFileData, while extdata instead derives a sharded device
// file path from the index.
type Sink interface {
	// Dir is called once per directory, including the root, before any
	// of its files or subdirectories.
	Dir(path string) error
	// File is called once per file, named by its full path and index
	// into FileEntryTable.
	File(path string, index int, entry FileEntry) error
}

// Walk recursively visits directory index (conventionally 1, the root)
// under basePath, mirroring the original tooling's ExtractDirectory: every
// file of the directory is emitted before its subdirectories are
// descended into, in file_entry_table/directory_entry_table sibling-chain
// order.
//
// Walk only makes sense for ShapeNamed filesystems, whose directory
// entries carry a name; title/ticket databases are flat and are walked by
// their own callers via the file entry table directly.
func (fs *FileSystem) Walk(index int, basePath string, sink Sink) error {
	if index < 0 || index >= len(fs.DirectoryEntryTable) {
		return threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: directory index out of bounds")
	}
	entry := fs.DirectoryEntryTable[index]

	path := basePath
	if entry.Name != "" {
		path = basePath + entry.Name + "/"
	}
	if err := sink.Dir(path); err != nil {
		return err
	}

	for cur := entry.FirstFileIndex; cur != 0; {
		if int(cur) >= len(fs.FileEntryTable) {
			return threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: file sibling index out of bounds")
		}
		fileEntry := fs.FileEntryTable[cur]
		if err := sink.File(path+fileEntry.Name, int(cur), fileEntry); err != nil {
			return err
		}
		cur = fileEntry.NextSiblingIndex
	}

	for cur := entry.FirstSubdirectoryIndex; cur != 0; {
		if int(cur) >= len(fs.DirectoryEntryTable) {
			return threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: directory sibling index out of bounds")
		}
		if err := fs.Walk(int(cur), path, sink); err != nil {
			return err
		}
		cur = fs.DirectoryEntryTable[cur].NextSiblingIndex
	}

	return nil
}
