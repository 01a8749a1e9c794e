// Package vidsync synchronizes a catalog of source videos into a
// content-addressed store and its remote index.
//
// A run reads the source catalog (a YouTube channel, a folder of markdown
// files or a JSON list), matches every video against the remote index by
// the fingerprint of its id, and uploads only what changed. Progress of
// every video is kept in a local asset cache, so an interrupted run resumes
// without encoding or uploading the same asset twice.
//
// Overview
//
//   - Open: wire the cache, transcoder, storage and index from a Config
//   - Syncer.Sync: reconcile a source catalog and, when enabled, sweep
//   - Syncer.Sweep: delete obsolete remote entries only
//   - Fingerprint: the fingerprint a source id is matched by
//
// Quick Start
//
//	cfg, err := vidsync.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	s, err := vidsync.Open(ctx, cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	reader, err := s.Reader("markdown", "./videos")
//	if err != nil {
//		log.Fatal(err)
//	}
//	report, err := s.Sync(ctx, reader)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(report.Summary)
package vidsync
