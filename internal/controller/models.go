package controller

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/nextlevelbuilder/teleclaw/internal/callbacks"
	"github.com/nextlevelbuilder/teleclaw/internal/config"
	"github.com/nextlevelbuilder/teleclaw/internal/telegram"
)

// modelPicker maps favourite provider/model pairs to fixed-length hashes
// so the button data stays inside the callback budget. Hashes accumulate
// across config reloads, so buttons from an older keyboard still resolve.
type modelPicker struct {
	mu     sync.Mutex
	byHash map[string]config.ModelRef
}

func newModelPicker() *modelPicker {
	return &modelPicker{byHash: make(map[string]config.ModelRef)}
}

func modelHash(ref config.ModelRef) string {
	sum := sha1.Sum([]byte(ref.Provider + "/" + ref.Model))
	return hex.EncodeToString(sum[:4])
}

// Keyboard renders one row per favourite, marking the chat's current
// selection.
func (p *modelPicker) Keyboard(favourites []config.ModelRef, currentProvider, currentModel string) [][]telegram.Button {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([][]telegram.Button, 0, len(favourites))
	for _, ref := range favourites {
		hash := modelHash(ref)
		p.byHash[hash] = ref

		label := ref.Provider + "/" + ref.Model
		if ref.Provider == currentProvider && ref.Model == currentModel {
			label = "✅ " + label
		}
		data, err := callbacks.Encode(callbacks.ModelHash{Hash: hash})
		if err != nil {
			continue
		}
		rows = append(rows, []telegram.Button{{Text: label, Data: data}})
	}
	return rows
}

// Lookup resolves a hash back to its provider/model pair.
func (p *modelPicker) Lookup(hash string) (config.ModelRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.byHash[hash]
	return ref, ok
}
