package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// chunkSize bounds one indexed fragment; long files are split on paragraph
// boundaries so a hit stays small enough to inject into a prompt.
const chunkSize = 2000

// LoadDir indexes every .md and .txt file under dir. Returns the number of
// fragments added. A missing directory is not an error.
func LoadDir(ctx context.Context, store *MemoryStore, embedder Embedder, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read knowledge directory: %w", err)
	}

	var docs []Document
	var texts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		for i, chunk := range splitChunks(string(data)) {
			docs = append(docs, Document{
				ID:      fmt.Sprintf("%s#%d", entry.Name(), i),
				Content: chunk,
				Source:  entry.Name(),
			})
			texts = append(texts, chunk)
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}

	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	for i := range docs {
		docs[i].Embedding = vecs[i]
	}
	if err := store.Add(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// splitChunks breaks text on blank lines, packing paragraphs until chunkSize.
func splitChunks(text string) []string {
	paras := strings.Split(text, "\n\n")
	var chunks []string
	var b strings.Builder
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 && b.Len()+len(p) > chunkSize {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
