package crawler

// CollectBuildURLs flattens a Document into the build URLs to dump, depth
// first and in document order: a node's own builds come before those of its
// sub-jobs. Duplicates are kept.
func CollectBuildURLs(doc Document) []string {
	var urls []string
	for _, node := range doc {
		urls = collectNode(urls, node)
	}
	return urls
}

func collectNode(urls []string, node JobNode) []string {
	urls = append(urls, node.Builds...)
	for _, child := range node.SubJobs {
		urls = collectNode(urls, child)
	}
	return urls
}
