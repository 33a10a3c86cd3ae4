package locker

import (
	"context"
	"path/filepath"
	"strings"
)

// Classifier assigns a classification label and section hints to an
// evidence item. Implementations may call external services; the
// locker retries transient failures before giving up.
type Classifier interface {
	Classify(ctx context.Context, it *Item) (classification string, hints []string, err error)
}

// ExtensionClassifier classifies by file extension. It is the built-in
// default and never fails.
type ExtensionClassifier struct{}

var extensionKinds = map[string]Kind{
	".pdf":  KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".heic": KindImage,
	".mp3":  KindAudio,
	".wav":  KindAudio,
	".m4a":  KindAudio,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".avi":  KindVideo,
	".txt":  KindText,
	".md":   KindText,
	".csv":  KindText,
	".json": KindText,
}

// sectionHints maps kinds to the report sections that typically
// consume them.
var kindHints = map[Kind][]string{
	KindImage:    {"8"},
	KindVideo:    {"8"},
	KindAudio:    {"6"},
	KindDocument: {"3", "5"},
	KindText:     {"3"},
}

func (ExtensionClassifier) Classify(ctx context.Context, it *Item) (string, []string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	kind := it.Kind
	if kind == "" {
		ext := strings.ToLower(filepath.Ext(it.Path))
		if k, ok := extensionKinds[ext]; ok {
			kind = k
		} else {
			kind = KindDocument
		}
	}
	return string(kind), kindHints[kind], nil
}
