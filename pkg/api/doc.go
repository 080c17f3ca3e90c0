/*
Package api serves collection views, aggregates and mutations over HTTP, and
live views over websockets.

# Architecture

	┌──────────────── CLIENT (browser / runway CLI) ────────────────┐
	│   REST (Bearer JWT)                websocket (?access_token)  │
	└──────────┬───────────────────────────────────┬────────────────┘
	           │                                   │
	┌──────────▼───────────────── Server ──────────▼────────────────┐
	│  gin router                                                   │
	│   ├─ Authenticator.Middleware   (HS256 JWT → types.Session)   │
	│   ├─ ReadOnlyInterceptor        (viewer role: reads only)     │
	│   ├─ view / stats handlers ──► Hub ──► Feed (one per coll.)   │
	│   ├─ record handlers ─────────► gateway.Gateway               │
	│   └─ websocket viewConn ──────► Feed.Watch + view.State       │
	└───────────────────────────────────────────────────────────────┘

Every collection is followed by a single shared Feed, opened on first use
through the record store client and kept until the Hub closes. REST
requests wait for the first record set (bounded by Config.LoadTimeout) and
derive a page from it. Websocket connections keep their own view.State and
receive a fresh frame whenever the feed changes or the client sends a new
state.

# Endpoints

	GET    /health                                  component health
	GET    /ready                                   store ping + components
	GET    /live                                    process liveness
	GET    /metrics                                 prometheus
	GET    /api/v1/collections                      collection names
	GET    /api/v1/collections/:c/view              derived view
	GET    /api/v1/collections/:c/stats             aggregate buckets
	POST   /api/v1/collections/:c/records           create
	PATCH  /api/v1/collections/:c/records/:id       update
	DELETE /api/v1/collections/:c/records/:id       delete
	GET    /ws/collections/:c                       live view stream

View queries take filter.<field>=value, search, sort, dir (asc|desc), size
and page (zero based). Stats take field plus optional where.<field>=value
pre-filters, multi=true for list fields and by=month for time fields.

Mutation responses are gateway Results. Success answers 200 (201 for
create), field errors 422, other rejections 400 and transport failures or
malformed results 502.

# Websocket protocol

The client sends state messages carrying the whole view state:

	{"type":"state","filters":{"status":"Open"},"search":"","sort":"title","dir":"asc","page":0,"size":20}

The server answers with view frames (the ViewResponse fields inline) or
error frames:

	{"type":"view","collection":"incidents","seq":12,"view":{...},"state":{...}}
	{"type":"error","error":"unknown message type subscribe"}

# Usage

	srv, err := api.NewServer(api.Config{PageSize: 20}, api.Deps{
		Store:   store,
		Client:  recordstore.NewClient(store, nil, logger),
		Gateway: gateway.NewStoreGateway(store, schemas, logger),
		Schemas: schemas,
		Auth:    auth,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	go srv.Start(":8080")
	defer srv.Shutdown(ctx)
*/
package api
