package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(removeArchives bool) *Extractor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExtractor(removeArchives, logger)
}

type zipEntry struct {
	name string
	body string
	mode fs.FileMode
}

func writeZip(t *testing.T, path string, entries []zipEntry) {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, en := range entries {
		hdr := &zip.FileHeader{Name: en.name, Method: zip.Deflate}
		if en.mode != 0 {
			hdr.SetMode(en.mode)
		}
		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = fw.Write([]byte(en.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func writeTarStream(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()

	tw := tar.NewWriter(w)
	for _, en := range entries {
		flag := en.typeflag
		if flag == 0 {
			flag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     en.name,
			Typeflag: flag,
			Mode:     0644,
			Linkname: en.linkname,
		}
		if flag == tar.TypeReg {
			hdr.Size = int64(len(en.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if flag == tar.TypeReg {
			_, err := tw.Write([]byte(en.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	writeTarStream(t, gz, entries)
	require.NoError(t, gz.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func writeTarFile(t *testing.T, path string, entries []tarEntry) {
	t.Helper()

	var buf bytes.Buffer
	writeTarStream(t, &buf, entries)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestExtractZip(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "www.govinfo.gov", "BILLS-118-hr.zip")
	writeZip(t, zipPath, []zipEntry{
		{name: "docs/", mode: fs.ModeDir | 0755},
		{name: "BILLS-118hr1ih.xml", body: "<bill>1</bill>"},
		{name: "docs/BILLS-118hr2ih.xml", body: "<bill>2</bill>"},
	})

	res := newTestExtractor(false).Extract(zipPath)

	require.True(t, res.OK)
	require.NotNil(t, res.Destination)
	assert.Nil(t, res.Error)
	assert.Equal(t, zipPath+"_extracted", *res.Destination)

	got, err := os.ReadFile(filepath.Join(*res.Destination, "BILLS-118hr1ih.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<bill>1</bill>", string(got))

	got, err = os.ReadFile(filepath.Join(*res.Destination, "docs", "BILLS-118hr2ih.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<bill>2</bill>", string(got))
}

func TestExtractZipBlocksTraversal(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "www.govinfo.gov", "hostile.zip")
	writeZip(t, zipPath, []zipEntry{
		{name: "good.xml", body: "<ok/>"},
		{name: "../../escape.txt", body: "should never land"},
	})

	res := newTestExtractor(false).Extract(zipPath)

	require.True(t, res.OK, "traversal entries are skipped, not fatal")
	assert.FileExists(t, filepath.Join(*res.Destination, "good.xml"))
	assert.NoFileExists(t, filepath.Join(tmp, "escape.txt"))

	// Nothing named escape.txt may exist anywhere under the temp root.
	filepath.WalkDir(tmp, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		assert.NotEqual(t, "escape.txt", d.Name())
		return nil
	})
}

func TestExtractZipSkipsSymlinks(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "archive.zip")
	writeZip(t, zipPath, []zipEntry{
		{name: "real.xml", body: "<ok/>"},
		{name: "link.xml", body: "/etc/passwd", mode: fs.ModeSymlink | 0777},
	})

	res := newTestExtractor(false).Extract(zipPath)

	require.True(t, res.OK)
	assert.FileExists(t, filepath.Join(*res.Destination, "real.xml"))
	assert.NoFileExists(t, filepath.Join(*res.Destination, "link.xml"))
}

func TestExtractTarGz(t *testing.T) {
	tmp := t.TempDir()
	tarPath := filepath.Join(tmp, "data.openstates.org", "monthly.tar.gz")
	writeTarGz(t, tarPath, []tarEntry{
		{name: "data/", typeflag: tar.TypeDir},
		{name: "data/dump.sql", body: "CREATE TABLE bills ();"},
		{name: "hardcopy.sql", typeflag: tar.TypeLink, linkname: "data/dump.sql"},
		{name: "../evil.sql", body: "DROP TABLE bills;"},
		{name: "/abs.sql", body: "absolute"},
		{name: "shortcut", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
		{name: "outside-link", typeflag: tar.TypeLink, linkname: "../../secrets"},
	})

	res := newTestExtractor(false).Extract(tarPath)

	require.True(t, res.OK)
	dest := *res.Destination

	got, err := os.ReadFile(filepath.Join(dest, "data", "dump.sql"))
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE bills ();", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "hardcopy.sql"))
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE bills ();", string(got), "hard link inside the root is kept")

	assert.NoFileExists(t, filepath.Join(tmp, "data.openstates.org", "evil.sql"))
	assert.NoFileExists(t, filepath.Join(dest, "abs.sql"))
	assert.NoFileExists(t, filepath.Join(dest, "shortcut"))
	assert.NoFileExists(t, filepath.Join(dest, "outside-link"))
}

func TestExtractPlainTar(t *testing.T) {
	tmp := t.TempDir()
	tarPath := filepath.Join(tmp, "votes.tar")
	writeTarFile(t, tarPath, []tarEntry{
		{name: "rollcall.xml", body: "<rollcall-vote/>"},
	})

	res := newTestExtractor(false).Extract(tarPath)

	require.True(t, res.OK)
	assert.FileExists(t, filepath.Join(*res.Destination, "rollcall.xml"))
}

func TestExtractTgzSuffix(t *testing.T) {
	tmp := t.TempDir()
	tarPath := filepath.Join(tmp, "bundle.tgz")
	writeTarGz(t, tarPath, []tarEntry{
		{name: "status.xml", body: "<billStatus/>"},
	})

	res := newTestExtractor(false).Extract(tarPath)

	require.True(t, res.OK)
	assert.FileExists(t, filepath.Join(*res.Destination, "status.xml"))
}

func TestExtractMalformedArchive(t *testing.T) {
	tmp := t.TempDir()
	badPath := filepath.Join(tmp, "broken.zip")
	require.NoError(t, os.WriteFile(badPath, []byte("this is not a zip"), 0644))

	res := newTestExtractor(false).Extract(badPath)

	assert.False(t, res.OK)
	assert.Nil(t, res.Destination)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "opening zip")
}

func TestExtractRemovesArchiveWhenConfigured(t *testing.T) {
	tmp := t.TempDir()

	goodPath := filepath.Join(tmp, "good.zip")
	writeZip(t, goodPath, []zipEntry{{name: "a.xml", body: "<a/>"}})

	badPath := filepath.Join(tmp, "bad.zip")
	require.NoError(t, os.WriteFile(badPath, []byte("garbage"), 0644))

	e := newTestExtractor(true)

	res := e.Extract(goodPath)
	require.True(t, res.OK)
	assert.NoFileExists(t, goodPath, "archive is removed after clean extraction")
	assert.FileExists(t, filepath.Join(*res.Destination, "a.xml"))

	res = e.Extract(badPath)
	require.False(t, res.OK)
	assert.FileExists(t, badPath, "failed archives are kept")
}

func TestExtractTreeCollectsArchives(t *testing.T) {
	tmp := t.TempDir()

	writeZip(t, filepath.Join(tmp, "hostA", "a.zip"), []zipEntry{{name: "a.xml", body: "<a/>"}})
	writeTarGz(t, filepath.Join(tmp, "hostB", "b.tar.gz"), []tarEntry{{name: "b.xml", body: "<b/>"}})
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "hostA", "notes.txt"), []byte("not an archive"), 0644))

	// Archives inside already-extracted trees must not be re-extracted.
	nested := filepath.Join(tmp, "hostA", "old.zip_extracted")
	writeZip(t, filepath.Join(nested, "inner.zip"), []zipEntry{{name: "inner.xml", body: "<inner/>"}})

	results := newTestExtractor(false).ExtractTree(context.Background(), tmp)

	require.Len(t, results, 2)
	archives := make([]string, 0, len(results))
	for _, res := range results {
		assert.True(t, res.OK, "archive %s", res.Archive)
		archives = append(archives, filepath.Base(res.Archive))
	}
	assert.ElementsMatch(t, []string{"a.zip", "b.tar.gz"}, archives)

	assert.NoDirExists(t, filepath.Join(nested, "inner.zip_extracted"))
}

func TestExtractTreeMissingRoot(t *testing.T) {
	results := newTestExtractor(false).ExtractTree(context.Background(), filepath.Join(t.TempDir(), "absent"))
	assert.Empty(t, results)
}

func TestIsArchive(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"BILLS-118-hr.zip", true},
		{"UPPER.ZIP", true},
		{"votes.tar", true},
		{"dump.tar.gz", true},
		{"bundle.tgz", true},
		{"status.xml", false},
		{"legislators.json", false},
		{"notes.gz", false},
		{"zipfile.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsArchive(tt.name))
		})
	}
}

func TestSafePathRejectsEscapes(t *testing.T) {
	e := newTestExtractor(false)
	root := filepath.Join(t.TempDir(), "out")

	tests := []struct {
		entry string
		ok    bool
	}{
		{"plain.xml", true},
		{"nested/deep/file.xml", true},
		{"../sibling.xml", false},
		{"../../etc/passwd", false},
		{"nested/../../escape.xml", false},
		{"/etc/passwd", false},
		{"nested/../inside.xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			dest, ok := e.safePath(root, tt.entry, "test.zip")
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, strings.HasPrefix(dest, root+string(os.PathSeparator)))
			}
		})
	}
}
