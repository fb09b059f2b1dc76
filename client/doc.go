// Package client talks to an astrobuf server from the pipeline side.
//
//	c, err := client.New(client.Config{
//		Address:     "telescope-srv:6969",
//		DialTimeout: 5 * time.Second,
//		Timeout:     30 * time.Second,
//	}, client.Deps{})
//	resp, err := c.StreamData(ctx, storage.NewRequirements([]string{"Vis"}, []string{"Pos"}))
//
// Each call opens its own connection. An Error response from the server is
// returned as a *ServerError.
package client
