/*
Package artifacts implements content storage for build inputs and outputs on
the local filesystem.

Layout:

	<storage_path>/<build_id>/source.zip
	<storage_path>/<build_id>/certs.zip
	<storage_path>/<build_id>/result.{ipa,apk}

Streams are copied chunk-by-chunk so a 1 GB result never touches process
memory as a whole; size caps are enforced mid-stream and an overrun deletes
the partial temp file. Completed writes use a .tmp.<pid> file renamed into
place, so a crash never leaves a half-written artifact at a final path.
*/
package artifacts
