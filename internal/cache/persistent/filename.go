package persistent

import (
	"fmt"
	"strconv"
	"strings"

	"goflare.io/muninn/internal/models"
)

const (
	// Separator splits the metadata fields of a file name.
	Separator = models.KeySeparator
	// Extension marks the files owned by the persistent cache.
	Extension = ".muninn"
)

const (
	keyPosition = iota
	encodingPosition
	lifeTimePosition
	creationTimePosition
	lastModificationTimePosition
	fieldCount
)

// FileName builds <key>%<codePage>%<lifeTime>%<creationTime>%<lastModificationTime>.muninn.
// Times and the lifetime are written as 100ns ticks.
func FileName(entry *models.Entry) string {
	encoding := entry.Encoding
	if encoding.IsZero() {
		encoding = models.UTF8
	}

	var b strings.Builder
	b.WriteString(entry.Key)
	b.WriteString(Separator)
	b.WriteString(strconv.Itoa(encoding.CodePage))
	b.WriteString(Separator)
	b.WriteString(strconv.FormatInt(models.DurationToTicks(entry.LifeTime), 10))
	b.WriteString(Separator)
	b.WriteString(strconv.FormatInt(models.TimeToTicks(entry.CreationTime), 10))
	b.WriteString(Separator)
	b.WriteString(strconv.FormatInt(models.TimeToTicks(entry.LastModificationTime), 10))
	b.WriteString(Extension)
	return b.String()
}

// ParseFileName rebuilds the entry metadata encoded in name. The value is left empty.
func ParseFileName(name string) (*models.Entry, error) {
	base, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return nil, fmt.Errorf("file %s has no %s extension", name, Extension)
	}

	fields := strings.Split(base, Separator)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("file %s has %d fields, expected %d", name, len(fields), fieldCount)
	}

	codePage, err := strconv.Atoi(fields[encodingPosition])
	if err != nil {
		return nil, fmt.Errorf("invalid code page in %s: %w", name, err)
	}
	encoding, err := models.EncodingByCodePage(codePage)
	if err != nil {
		return nil, fmt.Errorf("invalid code page in %s: %w", name, err)
	}

	ticks := make([]int64, 0, 3)
	for _, field := range fields[lifeTimePosition:] {
		t, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tick value in %s: %w", name, err)
		}
		ticks = append(ticks, t)
	}

	entry := models.NewEntry(fields[keyPosition], nil, encoding, models.TicksToDuration(ticks[0]))
	entry.CreationTime = models.TicksToTime(ticks[1])
	entry.LastModificationTime = models.TicksToTime(ticks[2])
	return entry, nil
}

// keyOf returns the key part of a cache file name.
func keyOf(name string) (string, bool) {
	if !strings.HasSuffix(name, Extension) {
		return "", false
	}
	key, _, ok := strings.Cut(name, Separator)
	return key, ok
}
