// Package crawler holds the domain types and collaborator interfaces of the
// index scraper: fetch targets and results, extracted index records, the
// fixed retry policy, and the ports implemented by transports, stores and
// publishers.
package crawler
