// Package attachment stores uploaded files for attachment messages.
//
// LocalStorage writes each upload under a random name in a directory and
// serves the directory under a public URL prefix. The MIME type is sniffed
// from the first bytes of the content; the uploader's file name is kept only
// for display. Uploads larger than the configured limit fail with
// ErrTooLarge and leave nothing on disk.
package attachment
