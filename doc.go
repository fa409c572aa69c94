// Package depres resolves package dependencies and mounts the result as a
// read-only filesystem backed by a content-addressed artifact cache.
//
// A session resolves a set of root requirements against a registry,
// optionally fetches every selected artifact up front, and serves the
// selection over FUSE. Artifacts are cached by digest and fetched at most
// once, however many readers ask for them.
//
// Basic usage:
//
//	ctrl, _ := depres.Open("oci://ghcr.io/acme/packages", cfg,
//	    depres.WithCacheDir("~/.cache/depres"))
//	defer ctrl.Close()
//
//	roots, _ := depres.ParseRequirements([]string{"app@>=1.0.0, <2.0.0"})
//
//	// Resolve only
//	g, _ := ctrl.Resolve(ctx, roots, cfg)
//	depres.NewLock(g).Encode(os.Stdout)
//
//	// Resolve and mount
//	cfg.Mountpoint = "/mnt/deps"
//	s, _ := ctrl.StartSession(ctx, roots, cfg)
//	defer s.Stop()
//	s.Wait()
//
// Registries are either a directory holding registry.yaml and the
// artifact files, or an OCI repository prefix where package <name> is
// published as <prefix>/<name>:index.
package depres
