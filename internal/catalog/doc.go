// Package catalog provides access to the external instrument catalog.
//
// Client calls GET {base}/instruments on a REST catalog service with
// jittered retries on 5xx and 429 responses. Static serves the instrument
// list from configuration when no catalog service is deployed.
package catalog
