package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream · DOMAgent Bridge</title>
  <style>
    body { margin: 0; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; font-size: 14px;
           line-height: 1.65; background: #0d1117; color: #c9d1d9; }
    a { color: #58a6ff; text-decoration: none; }
    nav { background: #161b22; border-bottom: 1px solid #30363d; padding: 0 24px; height: 48px;
          display: flex; align-items: center; gap: 16px; }
    nav .brand { font-weight: 600; color: #e6edf3; }
    main { max-width: 860px; margin: 0 auto; padding: 24px 16px 64px; }
    h1, h2 { color: #e6edf3; }
    code, pre { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; font-size: 13px; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px 16px; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; }
  </style>
</head>
<body>
  <nav><span class="brand">DOMAgent Bridge</span><a href="/docs">← REST API</a></nav>
  <main>
    <h1>Event Stream</h1>
    <p>Browser events the extension forwards (<code>forwardCDPEvent</code>) are published as
    Server-Sent Events on <code>GET /api/v1/events</code>.</p>

    <h2>Feeds</h2>
    <p>Each event is matched against the configured feeds by method glob and session scope, and is
    sent once per matching feed. Without a feeds file a single <code>cdp</code> feed matches everything.</p>
    <pre>feeds:
  - name: console
    method_pattern: "Runtime.console*"
  - name: page
    method_pattern: "Page.*"
    session_scope: top      # any | top | child</pre>

    <h2>Query parameters</h2>
    <table>
      <tr><th>Name</th><th>Description</th></tr>
      <tr><td><code>feeds</code></td><td>Comma-separated feed names. Omit to receive every feed.</td></tr>
    </table>

    <h2>Message format</h2>
    <pre>event: console
id: 1
data: {"sessionId":"cb-tab-1","method":"Runtime.consoleAPICalled","params":{...}}</pre>
    <p>Idle streams receive a <code>: keep-alive</code> comment every 15 seconds.</p>

    <h2>Example</h2>
    <pre>curl -N "http://127.0.0.1:18792/api/v1/events?feeds=console,page"</pre>
  </main>
</body>
</html>`
