// Package oxia backs metadata.MetadataStore with an Oxia cluster.
//
// scavd keeps one record per scavenge run under /scavd/v1/scavenges/runs/
// and an ephemeral marker per in-flight run under /scavd/v1/scavenges/active/.
// Markers are bound to the client session, so they disappear when the node
// holding them dies and a newly promoted node can mark the orphaned record
// as interrupted.
//
//	store, err := oxia.New(ctx, oxia.Config{ServiceAddress: addr, Namespace: "scavd"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package oxia
