// Command pod-oauth runs the Solid authorization server.
//
//	pod-oauth keygen --out signing.pem
//	pod-oauth serve --config pod-oauth.yaml
//	pod-oauth prune --config pod-oauth.yaml
//
// Every flag can also be set through a POD_OAUTH_ prefixed environment
// variable, and a .env file in the working directory is loaded first.
package main

func main() {
	Execute()
}
