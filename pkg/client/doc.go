/*
Package client is a Go client for the Runway HTTP and websocket API.

	c, err := client.NewClient("localhost:8080", token)
	if err != nil {
		return err
	}

	page, err := c.View(ctx, "incidents", client.Query{
		Filters: map[string]string{"status": "Open"},
		Size:    20,
	})

	res, err := c.Create(ctx, "incidents", "", map[string]any{
		"title": "Fuel spill", "status": "Open", "severity": "Medium",
	})
	if err == nil && !res.Success {
		fmt.Println(res.Error, res.FieldErrors)
	}

Watch keeps a websocket open and hands every view frame to a callback
until the context ends:

	err = c.Watch(ctx, "incidents", client.Query{Search: "fuel"}, func(f api.Frame) {
		fmt.Println(f.View.TotalCount)
	})

Gateway rejections are returned as a failed Result; only transport
problems and 5xx answers are errors.
*/
package client
