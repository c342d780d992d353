// Package offgrid keeps a same-origin web application usable without network
// connectivity. It plays the part a service worker plays in a browser:
// it precaches the application shell and map imagery at install time,
// intercepts every outgoing request, picks exactly one caching strategy per
// request from an ordered rule table, and answers from the network, the cache
// or a deterministic offline fallback.
//
// Components:
//   - Registry: partition names and the must-have offline asset list.
//   - Storage/Partition: named key->response stores over a provider.Provider
//     (Ristretto, BigCache, Redis) with count/age expiration and
//     generation-based invalidation (genstore).
//   - Installer: install-time precache with staged, all-or-nothing commit of
//     the shell.
//   - Router: (predicate -> strategy -> partition) rules, first match wins.
//   - Engine: the http.RoundTripper that executes cache-first, network-first
//     and stale-while-revalidate.
//   - Worker/Container: install -> activate -> control lifecycle, version
//     eviction and client claiming.
//
// Storage keys:
//
//	entry:<partition>:<xxh3-128 of URL>  - stored responses
//	index:<partition>                    - LRU index of a partition
//	offgrid:partitions                   - names of existing partitions
//
// Typical host wiring:
//
//	st, _ := offgrid.NewStorage(offgrid.StorageOptions{Provider: p})
//	w, _ := offgrid.New(offgrid.Options{Registry: reg, Storage: st, Origin: origin})
//	c := offgrid.NewContainer(offgrid.ContainerOptions{})
//	_ = c.Register(ctx, w)
//	client := c.Connect("tab-1").HTTPClient()
package offgrid
