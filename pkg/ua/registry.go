package ua

import "sync"

// dialogRegistry - общий реестр диалогов UA. Единственная точка истины
// для времени жизни диалога: Terminate диалога убирает его отсюда.
type dialogRegistry struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
}

func newDialogRegistry() *dialogRegistry {
	return &dialogRegistry{dialogs: make(map[string]*Dialog)}
}

func (r *dialogRegistry) add(d *Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs[d.id.String()] = d
}

func (r *dialogRegistry) remove(id DialogID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dialogs, id.String())
}

func (r *dialogRegistry) get(id DialogID) *Dialog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dialogs[id.String()]
}

// findTargetDialog ищет диалог по Target-Dialog (RFC 4538). Теги в
// заголовке даны с точки зрения отправителя, поэтому пробуем обе
// ориентации.
func (r *dialogRegistry) findTargetDialog(td targetDialogValue) *Dialog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dialogs[DialogID{td.CallID, td.RemoteTag, td.LocalTag}.String()]; ok {
		return d
	}
	if d, ok := r.dialogs[DialogID{td.CallID, td.LocalTag, td.RemoteTag}.String()]; ok {
		return d
	}
	return nil
}

func (r *dialogRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs)
}
