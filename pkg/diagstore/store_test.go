package diagstore_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
)

const testBase = "/project"

func result(files ...finding.FileFindings) finding.RunResult {
	return finding.RunResult{Files: files}
}

func file(path string, lines ...int) finding.FileFindings {
	out := finding.FileFindings{Path: path}

	for _, line := range lines {
		out.Findings = append(out.Findings, finding.Finding{
			FilePath: path,
			Line:     line,
			Message:  "issue",
			Severity: finding.SeverityError,
		})
	}

	return out
}

func TestStore_GetMissingIsEmpty(t *testing.T) {
	t.Parallel()

	store := diagstore.New()

	got := store.Get("/nowhere.php")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, store.Files())
}

func TestStore_ReplaceAllResolvesAbsolutePaths(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("app/Foo.php", 10)), testBase)

	got := store.Get(filepath.Join(testBase, "app/Foo.php"))
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].Line)
	assert.Equal(t, "app/Foo.php", got[0].FilePath)
}

func TestStore_SnapshotIntegrity(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("a.php", 1), file("b.php", 2, 3)), testBase)

	change := store.ReplaceAll(result(file("b.php", 5), file("c.php", 6)), testBase)

	assert.Equal(t, []string{
		filepath.Join(testBase, "b.php"),
		filepath.Join(testBase, "c.php"),
	}, store.Files())
	assert.Empty(t, store.Get(filepath.Join(testBase, "a.php")))

	bFindings := store.Get(filepath.Join(testBase, "b.php"))
	require.Len(t, bFindings, 1)
	assert.Equal(t, 5, bFindings[0].Line)

	assert.Equal(t, []string{filepath.Join(testBase, "a.php")}, change.Removed)
	assert.Equal(t, 2, change.Snapshot.IssueCount())
}

func TestStore_EmptyRunClearsEverything(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("a.php", 1)), testBase)

	change := store.ReplaceAll(finding.RunResult{}, testBase)

	assert.Empty(t, store.All())
	assert.Len(t, change.Removed, 1)
}

func TestStore_FileWithoutFindingsIsPresent(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("quiet.php")), testBase)

	all := store.All()
	require.Contains(t, all, filepath.Join(testBase, "quiet.php"))
	assert.Empty(t, all[filepath.Join(testBase, "quiet.php")])
}

func TestStore_AbsoluteAndContextPaths(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/srv/app/Foo.php", diagstore.AbsolutePath(testBase, "/srv/app/../app/Foo.php"))
	assert.Equal(t,
		filepath.Join(testBase, "app/Trait.php"),
		diagstore.AbsolutePath(testBase, "app/Trait.php (in context of class App\\User)"))

	store := diagstore.New()
	store.ReplaceAll(result(
		file("app/Trait.php (in context of class A)", 3),
		file("app/Trait.php (in context of class B)", 8),
	), testBase)

	merged := store.Get(filepath.Join(testBase, "app/Trait.php"))
	require.Len(t, merged, 2)
	assert.Equal(t, []int{3, 8}, []int{merged[0].Line, merged[1].Line})
}

func TestStore_RowsFollowRunOrder(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("z.php", 9, 1), file("a.php", 4)), testBase)

	rows := store.Snapshot().Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, diagstore.Row{File: "z.php", Line: 9, Message: "issue", Level: finding.SeverityError}, rows[0])
	assert.Equal(t, "a.php", rows[2].File)
}

func TestStore_ReturnedSlicesAreCopies(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	store.ReplaceAll(result(file("a.php", 1)), testBase)

	path := filepath.Join(testBase, "a.php")
	got := store.Get(path)
	got[0].Message = "mutated"

	assert.Equal(t, "issue", store.Get(path)[0].Message)
}

func TestStore_SubscribeAndClear(t *testing.T) {
	t.Parallel()

	store := diagstore.New()

	var changes []diagstore.Change

	cancel := store.Subscribe(func(change diagstore.Change) {
		changes = append(changes, change)
	})

	store.ReplaceAll(result(file("a.php", 1)), testBase)
	store.Clear()

	require.Len(t, changes, 2)
	assert.Equal(t, []string{filepath.Join(testBase, "a.php")}, changes[1].Removed)
	assert.Zero(t, changes[1].Snapshot.Len())

	cancel()
	store.ReplaceAll(result(file("b.php", 1)), testBase)
	assert.Len(t, changes, 2)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	t.Parallel()

	store := diagstore.New()
	runA := result(file("a.php", 1), file("b.php", 2))
	runB := result(file("c.php", 3), file("d.php", 4), file("e.php", 5))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range 200 {
			if i%2 == 0 {
				store.ReplaceAll(runA, testBase)
			} else {
				store.ReplaceAll(runB, testBase)
			}
		}
	}()

	for range 200 {
		size := store.Snapshot().Len()
		assert.Contains(t, []int{0, 2, 3}, size)
	}

	wg.Wait()
}
