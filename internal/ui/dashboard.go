package ui

import (
	"fmt"
	"strconv"

	"dman/internal/download"
)

type action struct {
	path  string
	label string
}

func actionsFor(s download.State) []action {
	switch s {
	case download.StateDownloading:
		return []action{{"pause", "Pause"}}
	case download.StatePaused:
		return []action{{"resume", "Resume"}, {"change_url", "New URL"}, {"remove", "Remove"}}
	case download.StateFailed:
		return []action{{"resume", "Retry"}, {"change_url", "New URL"}, {"remove", "Remove"}}
	case download.StateAwaitingURL:
		return []action{{"remove", "Remove"}}
	case download.StateCompleted:
		return []action{{"open", "Open"}, {"open_dir", "Folder"}, {"remove", "Remove"}}
	default:
		return nil
	}
}

func stateLabel(s download.State) string {
	switch s {
	case download.StateAwaitingURL:
		return "waiting for URL"
	default:
		return string(s)
	}
}

func rowID(id int64) string { return fmt.Sprintf("row-%d", id) }

// percentValue formats p for a progress element.
func percentValue(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }

const pageStyle = `<style>
body{font-family:system-ui,sans-serif;margin:1.5rem;background:#fafafa;color:#222}
table{border-collapse:collapse;width:100%}
td,th{padding:.4rem .6rem;border-bottom:1px solid #ddd;text-align:left;font-size:.9rem}
.icon{width:16px;height:16px;vertical-align:middle;margin-right:.4rem}
progress{width:120px;height:8px;vertical-align:middle;margin-right:.4rem;accent-color:#3b82f6}
tr[data-state=failed] progress{accent-color:#dc2626}
tr[data-state=completed] progress{accent-color:#16a34a}
.error{color:#dc2626;font-size:.8rem}
.badge{padding:.1rem .4rem;border-radius:4px;background:#e5e7eb}
</style>`

const pageScript = `<script>
async function post(path, body) {
  const r = await fetch('/api/' + path, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body || {})});
  if (!r.ok) { const e = await r.json().catch(() => ({})); alert(e.message || r.status); }
}
document.addEventListener('click', e => {
  const b = e.target.closest('button');
  if (!b) return;
  if (b.dataset.global) { post(b.dataset.global); return; }
  if (b.dataset.action) post(b.dataset.action, {id: Number(b.dataset.id)});
});
document.getElementById('start').addEventListener('submit', e => {
  e.preventDefault();
  post('download', {url: e.target.url.value});
  e.target.url.value = '';
});
async function rerender(id) {
  const r = await fetch('/dashboard/row?id=' + id);
  if (!r.ok) return;
  const html = await r.text();
  const old = document.getElementById('row-' + id);
  if (old) old.outerHTML = html; else document.getElementById('rows').insertAdjacentHTML('afterbegin', html);
}
(function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws/ui');
  ws.onmessage = m => {
    const msg = JSON.parse(m.data);
    if (msg.type === 'finishRemove') { msg.ids.forEach(id => document.getElementById('row-' + id)?.remove()); return; }
    rerender(msg.id);
  };
  ws.onclose = () => setTimeout(connect, 2000);
})();
</script>`
