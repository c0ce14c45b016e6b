// Package storage decides where downloaded files go and commits them.
//
// Every file lands at {root}/{creator folder}/{post folder}/{file name}.
// Each segment comes from its own template whose {placeholders} are filled
// from the post's variables and then cleaned for the filesystem.
//
// Transfers write to "{final path}.part" and are renamed into place only
// once complete, so a .part file left behind is a resume point for the
// next run.
package storage
