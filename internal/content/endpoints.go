package content

import "net/url"

// CMS endpoint paths. Entities are addressed by slug; relations between them
// by the CMS document id.

func categoriesPath() string {
	return "/categories"
}

func categoryBySlugPath(slug string) string {
	return bySlug("/categories", slug, true)
}

func categoryByIDPath(documentID string) string {
	return "/categories/" + url.PathEscape(documentID)
}

func providerBySlugPath(slug string) string {
	return bySlug("/providers", slug, true)
}

func providersByCategoryPath(categoryDocumentID string) string {
	return byCategory("/providers", categoryDocumentID)
}

func useCaseBySlugPath(slug string) string {
	return bySlug("/use-cases", slug, true)
}

func useCasesByCategoryPath(categoryDocumentID string) string {
	return byCategory("/use-cases", categoryDocumentID)
}

func articleBySlugPath(slug string) string {
	return bySlug("/articles", slug, true)
}

func pageBySlugPath(slug string) string {
	return bySlug("/pages", slug, false)
}

func bySlug(collection, slug string, populate bool) string {
	q := url.Values{}
	q.Set("filters[slug][$eq]", slug)
	if populate {
		q.Set("populate", "*")
	}
	return collection + "?" + q.Encode()
}

func byCategory(collection, categoryDocumentID string) string {
	q := url.Values{}
	q.Set("filters[category][documentId][$eq]", categoryDocumentID)
	q.Set("populate", "*")
	return collection + "?" + q.Encode()
}

// Cache keys, one namespace per resource kind.

const categoriesKey = "categories"

func categoryKey(slug string) string { return "category-" + slug }
func providerKey(slug string) string { return "provider-" + slug }
func useCaseKey(slug string) string { return "usecase-" + slug }
func providersByCategoryKey(id string) string { return "providers-cat-" + id }
func useCasesByCategoryKey(id string) string { return "usecases-cat-" + id }
func articleKey(slug string) string { return "article-" + slug }
func pageKey(slug string) string { return "page-" + slug }

func relatedProvidersKey(categoryID, excludeID string) string {
	return "related-" + categoryID + "-" + excludeID
}
