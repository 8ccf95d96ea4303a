package web

import (
	"html/template"
	"net/http"
)

type pageData struct {
	Name    string
	LogoURL template.URL
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := pageData{Name: s.Settings().Name}
	if logo := s.opts.Gallery.Site().LogoURL; logo != "" {
		// Logos are data URLs built by the gallery from validated image types.
		data.LogoURL = template.URL(logo)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.log.Warn("render index: %v", err)
	}
}

var pageTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>
body { margin: 0; background: #050505; color: #e5e5e5; font-family: system-ui, sans-serif; }
header { display: flex; align-items: center; gap: .75rem; padding: .75rem 1rem; border-bottom: 1px solid #1f2937; }
header img, header .logo { width: 2rem; height: 2rem; border-radius: .5rem; background: #083344; color: #22d3ee; display: grid; place-items: center; font-weight: 700; }
#log { height: calc(100vh - 8.5rem); overflow-y: auto; padding: 1rem; }
.msg { max-width: 85%; margin: .5rem 0; padding: .6rem .9rem; border-radius: 1rem; white-space: pre-wrap; }
.msg.user { margin-left: auto; background: #0e7490; color: #fff; }
.msg.model { background: #111827; border: 1px solid #1f2937; }
.msg.error { border-color: #7f1d1d; color: #fca5a5; }
.stopped { color: #6b7280; font-style: italic; }
.code { margin: .5rem 0; border: 1px solid #1f2937; border-radius: .5rem; overflow: hidden; }
.code-head { display: flex; justify-content: space-between; padding: .25rem .6rem; background: #0b0f19; color: #67e8f9; font-size: .75rem; }
.code pre { margin: 0; padding: .6rem; overflow-x: auto; }
.typing { color: #67e8f9; }
form { display: flex; gap: .5rem; padding: 1rem; border-top: 1px solid #1f2937; }
input { flex: 1; padding: .6rem; background: #0b0f19; color: inherit; border: 1px solid #1f2937; border-radius: .5rem; }
button { background: #0891b2; color: #fff; border: 0; border-radius: .5rem; padding: .4rem .8rem; cursor: pointer; }
button:disabled { opacity: .5; }
</style>
</head>
<body>
<header>
{{if .LogoURL}}<img src="{{.LogoURL}}" alt="logo">{{else}}<div class="logo">U</div>{{end}}
<strong>{{.Name}}</strong>
<button id="clear" type="button">Clear</button>
</header>
<div id="log"></div>
<form id="form"><input id="text" autocomplete="off" placeholder="Ask Urahara..."><button id="send">Send</button></form>
<script>
const log = document.getElementById("log");
const input = document.getElementById("text");
const sendBtn = document.getElementById("send");
const nodes = [];
let state = "idle";

function render(m) {
  let el = nodes[m.position];
  if (!el) {
    el = document.createElement("div");
    nodes[m.position] = el;
    log.appendChild(el);
  }
  el.className = "msg " + m.role + (m.isError ? " error" : "");
  el.innerHTML = m.html || (m.role === "model" && state !== "idle" ? '<span class="typing">...</span>' : "");
}

function reset() {
  nodes.length = 0;
  log.innerHTML = "";
}

function setState(s) {
  state = s;
  sendBtn.disabled = s !== "idle";
}

const proto = location.protocol === "https:" ? "wss://" : "ws://";
const ws = new WebSocket(proto + location.host + "/ws");
ws.onmessage = (ev) => {
  const f = JSON.parse(ev.data);
  switch (f.type) {
  case "snapshot": reset(); setState(f.state); (f.messages || []).forEach(render); break;
  case "state": setState(f.state); break;
  case "reset": reset(); break;
  default: if (f.message) render(f.message);
  }
  log.scrollTop = log.scrollHeight;
};

document.getElementById("form").addEventListener("submit", (e) => {
  e.preventDefault();
  const text = input.value.trim();
  if (!text || state !== "idle") return;
  ws.send(JSON.stringify({ type: "send", text }));
  input.value = "";
});

document.getElementById("clear").addEventListener("click", () => {
  ws.send(JSON.stringify({ type: "clear" }));
});

log.addEventListener("click", (e) => {
  if (!e.target.classList.contains("copy")) return;
  const code = e.target.closest(".code").querySelector("code").innerText;
  navigator.clipboard.writeText(code).then(() => {
    e.target.textContent = "Copied";
    setTimeout(() => { e.target.textContent = "Copy"; }, 2000);
  }).catch(() => {});
});
</script>
</body>
</html>
`))
