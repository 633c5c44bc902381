package acquisition_test

import (
	"testing"
	"time"

	"github.com/ecpds/master/acquisition"
	"github.com/ecpds/master/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listingNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseListLine(t *testing.T) {
	entry, err := acquisition.ParseListLine("-rw-r--r--  1 ecpds ecpds 123456 Feb 28 10:15 fc_20240228.grib", listingNow)
	require.Nil(t, err)
	assert.Equal(t, "fc_20240228.grib", entry.Name)
	assert.EqualValues(t, 123456, entry.Size)
	assert.Equal(t, time.Date(2024, 2, 28, 10, 15, 0, 0, time.UTC), entry.Time)
	assert.False(t, entry.Symlink)
	assert.False(t, entry.Directory)

	// Recent dates without a year that would be in the future are
	// from last year.
	entry, err = acquisition.ParseListLine("-rw-r--r-- 1 u g 10 Dec  3 08:00 old file.txt", listingNow)
	require.Nil(t, err)
	assert.Equal(t, "old file.txt", entry.Name)
	assert.Equal(t, 2023, entry.Time.Year())

	entry, err = acquisition.ParseListLine("drwxr-xr-x 2 u g 4096 Jan  5  2022 archive", listingNow)
	require.Nil(t, err)
	assert.True(t, entry.Directory)
	assert.Equal(t, time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC), entry.Time)

	entry, err = acquisition.ParseListLine("lrwxrwxrwx 1 u g 12 2024-03-01 11:00 latest.grib -> fc_20240301.grib", listingNow)
	require.Nil(t, err)
	assert.True(t, entry.Symlink)
	assert.Equal(t, "latest.grib", entry.Name)
	assert.Equal(t, "fc_20240301.grib", entry.LinkTo)

	_, err = acquisition.ParseListLine("total 48", listingNow)
	assert.NotNil(t, err)
}

func TestParseListing(t *testing.T) {
	lines := []string{
		"total 8",
		"-rw-r--r-- 1 s3 s3 2048 2024-03-01 11:58 a.grib",
		"",
		"-rw-r--r-- 1 s3 s3 4096 2024-03-01 09:00 b.grib",
	}
	entries := acquisition.ParseListing(lines, listingNow)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.grib", entries[0].Name)
	assert.EqualValues(t, 4096, entries[1].Size)
}

func TestSelectorFilters(t *testing.T) {
	line, err := acquisition.ParseLine("[size>>1KB;size<=1MB;age>=1h;symlink=ignore] /data {.*\\.grib}")
	require.Nil(t, err)
	selector, err := acquisition.NewSelector(line, nil)
	require.Nil(t, err)

	old := listingNow.Add(-2 * time.Hour)
	assert.True(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 5000, Time: old}, listingNow))
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 1000, Time: old}, listingNow), "too small")
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 2000000, Time: old}, listingNow), "too big")
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 5000, Time: listingNow}, listingNow), "too recent")
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.txt", Size: 5000, Time: old}, listingNow), "pattern")
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 5000, Time: old, Symlink: true}, listingNow))
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "a.grib", Size: 5000, Time: old, Directory: true}, listingNow))
	assert.False(t, selector.CanRequeue())
}

func TestSelectorEqualityOperators(t *testing.T) {
	line, err := acquisition.ParseLine("[size==100;age!=0s] /data")
	require.Nil(t, err)
	selector, err := acquisition.NewSelector(line, nil)
	require.Nil(t, err)
	old := listingNow.Add(-time.Minute)
	assert.True(t, selector.Accept(&acquisition.Entry{Name: "x", Size: 100, Time: old}, listingNow))
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "x", Size: 101, Time: old}, listingNow))
	assert.False(t, selector.Accept(&acquisition.Entry{Name: "x", Size: 100, Time: listingNow}, listingNow))
}

func TestSelectorValidation(t *testing.T) {
	for _, text := range []string{
		"[size>=lots] /data",
		"[age>=soon] /data",
		"[symlink=maybe] /data",
		"[requeueon=size != previousSize] /data",
	} {
		line, err := acquisition.ParseLine(text)
		require.Nil(t, err, text)
		_, err = acquisition.NewSelector(line, nil)
		assert.NotNil(t, err, text)
	}
}

func TestSelectorRequeue(t *testing.T) {
	line, err := acquisition.ParseLine("[requeueon=size != previousSize || time > previousTime] /data")
	require.Nil(t, err)
	selector, err := acquisition.NewSelector(line, script.NewEngine(time.Second))
	require.Nil(t, err)
	require.True(t, selector.CanRequeue())

	entry := &acquisition.Entry{Name: "a", Size: 10, Time: listingNow}
	requeue, err := selector.Requeue(entry, 10, listingNow)
	require.Nil(t, err)
	assert.False(t, requeue)

	requeue, err = selector.Requeue(entry, 5, listingNow)
	require.Nil(t, err)
	assert.True(t, requeue)

	requeue, err = selector.Requeue(entry, 10, listingNow.Add(-time.Hour))
	require.Nil(t, err)
	assert.True(t, requeue)
}
