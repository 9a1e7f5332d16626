// Package urls holds the URLs rtc2 prints or builds: documentation links
// shown in help and error text, and the pairing links peers exchange.
//
// A pairing link is any base URL with the peer id as its fragment:
//
//	link := urls.PairingLink("https://rtc2.example/", "3f0c...")
//	// https://rtc2.example/#3f0c...
//
// The receiving side accepts either the full link or the bare id:
//
//	target, ok := urls.ParsePairingTarget(link)
package urls
