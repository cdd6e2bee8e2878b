// Package vcs reads version control metadata for image labels.
//
// Example usage:
//
//	rev, err := vcs.Revision(dir)
//	if err != nil {
//	    return err
//	}
//	if rev.Hash != "" {
//	    labels[ocispec.AnnotationRevision] = rev.String()
//	}
package vcs
