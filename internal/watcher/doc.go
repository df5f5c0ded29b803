// Package watcher reports changes to the document files of a content
// directory.
//
// fsnotify is used when available; otherwise the directory is polled.
// Events for the same document are coalesced within a debounce window, and
// only regular files with the configured extension are reported. Hidden
// files and directories are skipped.
//
// Usage:
//
//	w, err := watcher.New(watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//	go func() { _ = w.Start(ctx, "/srv/documents") }()
//
//	for batch := range w.Events() {
//	    for _, ev := range batch {
//	        // ev.Path is relative to the watched directory
//	    }
//	}
package watcher
