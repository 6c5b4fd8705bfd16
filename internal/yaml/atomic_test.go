package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

type generation struct {
	SchemaHeader `yaml:",inline"`
	Generation   int      `yaml:"generation"`
	Commands     []string `yaml:"commands"`
}

type unencodable struct{}

func (unencodable) MarshalYAML() (any, error) { return nil, errors.New("refusing to encode") }

func writeGeneration(t *testing.T, path string, n int) {
	t.Helper()
	doc := generation{SchemaHeader: NewHeader(FileTypeQueueStore), Generation: n, Commands: []string{"SUBMIT"}}
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatalf("write generation %d: %v", n, err)
	}
}

func readGeneration(t *testing.T, path string) int {
	t.Helper()
	var doc generation
	if err := ReadFile(path, &doc); err != nil {
		t.Fatalf("read %s: %v", filepath.Base(path), err)
	}
	return doc.Generation
}

func TestAtomicWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	writeGeneration(t, path, 1)

	var doc generation
	if err := ReadFile(path, &doc); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if doc.FileType != FileTypeQueueStore || doc.Generation != 1 || len(doc.Commands) != 1 {
		t.Errorf("round trip: got %+v", doc)
	}
	if err := ValidateSchemaHeader(path, FileTypeQueueStore); err != nil {
		t.Errorf("header: %v", err)
	}
	if _, err := os.Stat(path + backupSuffix); !os.IsNotExist(err) {
		t.Errorf("first write should not leave a backup, stat err=%v", err)
	}
}

func TestAtomicWrite_KeepsPreviousGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	for n := 1; n <= 3; n++ {
		writeGeneration(t, path, n)
	}

	if got := readGeneration(t, path); got != 3 {
		t.Errorf("current generation: got %d, want 3", got)
	}
	if got := readGeneration(t, path+backupSuffix); got != 2 {
		t.Errorf("backup generation: got %d, want 2", got)
	}
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	for n := 1; n <= 5; n++ {
		writeGeneration(t, path, n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "store.yaml" || names[1] != "store.yaml.bak" {
		t.Errorf("directory contents: got %v", names)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode: got %v, want 0644", info.Mode().Perm())
	}
}

func TestAtomicWrite_EncodeFailureKeepsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	writeGeneration(t, path, 1)

	err := AtomicWrite(path, unencodable{})
	if err == nil {
		t.Fatal("expected encode error")
	}
	if got := readGeneration(t, path); got != 1 {
		t.Errorf("document changed after failed write: generation %d", got)
	}
	if _, err := os.Stat(path + backupSuffix); !os.IsNotExist(err) {
		t.Errorf("failed write should not rotate the backup, stat err=%v", err)
	}
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	var doc generation
	if err := ReadFile(filepath.Join(dir, "absent.yaml"), &doc); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want os.ErrNotExist", err)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := ReadFile(empty, &doc); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty file: got %v, want ErrEmpty", err)
	}

	torn := filepath.Join(dir, "torn.yaml")
	if err := os.WriteFile(torn, []byte("generation: 4\ncommands: [SUB"), 0644); err != nil {
		t.Fatal(err)
	}
	err := ReadFile(torn, &doc)
	if err == nil || errors.Is(err, ErrEmpty) {
		t.Errorf("torn file: got %v, want a parse error", err)
	}
}
