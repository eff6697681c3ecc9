// Package entry implements the entry-point logic for the catalog's server processes,
// including opinionated defaults for things like logging and tracing.
//
// Example usage:
//
//	func main() {
//		app := entry.NewApplication("catalog-sync")
//		defer app.Stop()
//		ctx := app.Context()
//
//		app.Log().Info("Doing some setup")
//		if err := doSomeSetup(); err != nil {
//			app.Fail("Setup failed", err)
//		}
//
//		g, ctx := errgroup.WithContext(ctx)
//		g.Go(func() error { return entry.RunServer(ctx, app.Log(), h, "", 5000) })
//		g.Go(func() error { return entry.RunGRPCServer(ctx, app.Log(), s, "", 5001) })
//		if err := g.Wait(); err != nil {
//			app.Fail("Server failed", err)
//		}
//	}
package entry
