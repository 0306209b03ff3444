/*
Package stages implements the four pipeline stage handlers: detail,
search, download and upload. Each handler runs inside the pipeline's
transaction and returns the item's next state on success; errors leave
the item in its active state for the retry machinery.

detail   fetches per-item bibliographic data from the list source.
search   probes the library for an existing copy, then walks a
         progressive query ladder (isbn, title+author+publisher,
         title+author, title), scores every hit against the source
         record and enqueues the best match above the threshold.
download checks the daily quota before consuming a unit, transfers the
         queued file and records the attempt; with no quota left the
         item parks until the allowance resets.
upload   pushes the artifact into the library ingest and back-fills
         missing identifiers from the response.

Candidate scoring weighs title 0.40, author 0.30, publisher 0.15 and
publication year 0.10 (one year off scores 0.8, two 0.6). An exact ISBN
match short-circuits to a full score. Near-ties are broken by the
configured format preference order.
*/
package stages
