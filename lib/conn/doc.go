/*
Package conn holds the connection context of a dSync client.

A Connection owns everything that lives for one login: the keychain store,
the resource database, the sync engine, the rpc client and a table of
features (reactive stores and anything registered with WithFeature).
Connect builds all of it, Disconnect tears it down again. Nothing is shared
between two connections, so several users can be connected in one process.

	c, _ := conn.New(cfg)
	if err := c.Connect(ctx); err != nil { ... }
	defer c.Disconnect(ctx)

	rooms, err := conn.Feature[*reactive.Store[resource.Room]](c, conn.FeatureRooms)
*/
package conn
