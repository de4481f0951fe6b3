package storage

import "context"

// Uploader places a local file in the artifact store and returns where it can be fetched.
type Uploader interface {
	// Upload stores localPath as filename inside folder.
	Upload(ctx context.Context, localPath, folder, filename string) (string, error)
}

// Downloader fetches job inputs from the asset store.
type Downloader interface {
	// Download writes the object at remotePath to dst and returns the bytes written.
	Download(ctx context.Context, remotePath, dst string) (int64, error)
}
